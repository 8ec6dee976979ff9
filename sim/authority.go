package sim

import (
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PriceRecord is one entry of the price time series.
type PriceRecord struct {
	Time  float64
	Price float64
}

// RevenueRecord is one entry of the revenue time series.
type RevenueRecord struct {
	Time    float64
	Revenue float64
}

// MarketAuthority owns the resource: its capacity, the unit price and the
// system reservation δ. It only keeps books; agents read from it.
type MarketAuthority struct {
	Capacity float64

	price float64
	delta float64 // immutable after construction

	PriceHistory   []PriceRecord
	RevenueHistory []RevenueRecord
}

// NewMarketAuthority creates an authority with a static initial price.
func NewMarketAuthority(capacity, price, delta float64) *MarketAuthority {
	return &MarketAuthority{
		Capacity:       capacity,
		price:          price,
		delta:          delta,
		PriceHistory:   make([]PriceRecord, 0),
		RevenueHistory: make([]RevenueRecord, 0),
	}
}

// CurrentPrice returns the unit price λ.
func (m *MarketAuthority) CurrentPrice() float64 {
	return m.price
}

// Delta returns the system reservation δ.
func (m *MarketAuthority) Delta() float64 {
	return m.delta
}

// SetPrice changes the price and appends it to the price history.
func (m *MarketAuthority) SetPrice(price, now float64) {
	m.price = price
	m.PriceHistory = append(m.PriceHistory, PriceRecord{Time: now, Price: price})
	logrus.Debugf("[t=%.3f] price updated: %.3f", now, price)
}

// AggregateBid sums the bids of active agents.
func (m *MarketAuthority) AggregateBid(agents []*Agent) float64 {
	total := 0.0
	for _, a := range agents {
		if a.Active {
			total += a.Bid
		}
	}
	return total
}

// AggregateBidExcluding sums the bids of active agents other than id.
func (m *MarketAuthority) AggregateBidExcluding(agents []*Agent, id int) float64 {
	total := 0.0
	for _, a := range agents {
		if a.Active && a.ID != id {
			total += a.Bid
		}
	}
	return total
}

// AggregatesForActive returns, for each active agent, the aggregate bid of
// everyone else. This is what the authority broadcasts before a bidding round.
func (m *MarketAuthority) AggregatesForActive(agents []*Agent) map[int]float64 {
	out := make(map[int]float64)
	for _, a := range agents {
		if !a.Active {
			continue
		}
		out[a.ID] = m.AggregateBidExcluding(agents, a.ID)
	}
	return out
}

// ComputeRevenue records price times the active aggregate bid.
func (m *MarketAuthority) ComputeRevenue(agents []*Agent, now float64) float64 {
	revenue := m.price * m.AggregateBid(agents)
	m.RevenueHistory = append(m.RevenueHistory, RevenueRecord{Time: now, Revenue: revenue})
	return revenue
}

// AuthorityStats summarizes revenue and price history.
type AuthorityStats struct {
	MeanRevenue  float64 `json:"mean_revenue"`
	TotalRevenue float64 `json:"total_revenue"`
	MeanPrice    float64 `json:"mean_price"`
	FinalPrice   float64 `json:"final_price"`
}

// Stats computes summary statistics. With no recorded price changes the
// mean price is the static price.
func (m *MarketAuthority) Stats() AuthorityStats {
	st := AuthorityStats{MeanPrice: m.price, FinalPrice: m.price}
	if len(m.RevenueHistory) > 0 {
		revs := make([]float64, len(m.RevenueHistory))
		for i, r := range m.RevenueHistory {
			revs[i] = r.Revenue
		}
		st.MeanRevenue = stat.Mean(revs, nil)
		st.TotalRevenue = floats.Sum(revs)
	}
	if len(m.PriceHistory) > 0 {
		prices := make([]float64, len(m.PriceHistory))
		for i, r := range m.PriceHistory {
			prices[i] = r.Price
		}
		st.MeanPrice = stat.Mean(prices, nil)
	}
	return st
}
