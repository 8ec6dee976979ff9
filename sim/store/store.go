// Package store writes finished simulation results to SQLite for offline
// analysis. It stores outputs only; a run never reads its state back.
package store

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/kelly-sim/kelly-sim/sim"
)

// DB wraps a SQLite connection holding simulation runs.
type DB struct {
	conn *sqlx.DB
}

// RunRow is one row of the runs table.
type RunRow struct {
	ID                 int64    `db:"id"`
	Label              string   `db:"label"`
	Seed               int64    `db:"seed"`
	Policy             string   `db:"policy"`
	FinalTime          float64  `db:"final_time"`
	MeanSocialWelfare  float64  `db:"mean_social_welfare"`
	FinalSocialWelfare float64  `db:"final_social_welfare"`
	ReachedEquilibrium bool     `db:"reached_equilibrium"`
	ConvergenceTime    *float64 `db:"convergence_time"`
	TotalRevenue       float64  `db:"total_revenue"`
	EventsProcessed    int      `db:"events_processed"`
	EventsStale        int      `db:"events_stale"`
}

// SnapshotRow is one row of the snapshots table.
type SnapshotRow struct {
	RunID               int64   `db:"run_id"`
	Time                float64 `db:"time"`
	ActiveAgents        int     `db:"active_agents"`
	AggregateBid        float64 `db:"aggregate_bid"`
	SocialWelfare       float64 `db:"social_welfare"`
	ConvergenceDistance float64 `db:"convergence_distance"`
	IsNash              bool    `db:"is_nash"`
	SharesJSON          string  `db:"shares_json"`
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		label TEXT NOT NULL,
		seed INTEGER NOT NULL,
		policy TEXT NOT NULL,
		final_time REAL NOT NULL,
		mean_social_welfare REAL NOT NULL,
		final_social_welfare REAL NOT NULL,
		reached_equilibrium INTEGER NOT NULL,
		convergence_time REAL,
		total_revenue REAL NOT NULL,
		events_processed INTEGER NOT NULL,
		events_stale INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		run_id INTEGER NOT NULL REFERENCES runs(id),
		time REAL NOT NULL,
		active_agents INTEGER NOT NULL,
		aggregate_bid REAL NOT NULL,
		social_welfare REAL NOT NULL,
		convergence_distance REAL NOT NULL,
		is_nash INTEGER NOT NULL,
		shares_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_stats (
		run_id INTEGER NOT NULL REFERENCES runs(id),
		agent_id INTEGER NOT NULL,
		mean_bid REAL NOT NULL,
		std_bid REAL NOT NULL,
		final_bid REAL NOT NULL,
		mean_allocation REAL NOT NULL,
		mean_utility REAL NOT NULL,
		total_payoff REAL NOT NULL,
		bid_updates INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_run ON snapshots(run_id, time);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveRun writes a run, its snapshot history and per-agent statistics in
// one transaction and returns the new run id.
func (db *DB) SaveRun(label string, cfg sim.Config, r *sim.Results) (int64, error) {
	tx, err := db.conn.Beginx()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	processed, stale := 0, 0
	for _, c := range r.EventsProcessed {
		processed += c
	}
	for _, c := range r.EventsStale {
		stale += c
	}

	res, err := tx.NamedExec(`INSERT INTO runs
		(label, seed, policy, final_time, mean_social_welfare, final_social_welfare,
		 reached_equilibrium, convergence_time, total_revenue, events_processed, events_stale)
		VALUES (:label, :seed, :policy, :final_time, :mean_social_welfare, :final_social_welfare,
		 :reached_equilibrium, :convergence_time, :total_revenue, :events_processed, :events_stale)`,
		RunRow{
			Label:              label,
			Seed:               cfg.Seed,
			Policy:             string(cfg.Policy),
			FinalTime:          r.FinalTime,
			MeanSocialWelfare:  r.Mechanism.MeanSocialWelfare,
			FinalSocialWelfare: r.Mechanism.FinalSocialWelfare,
			ReachedEquilibrium: r.Mechanism.ReachedEquilibrium,
			ConvergenceTime:    r.Mechanism.ConvergenceTime,
			TotalRevenue:       r.Authority.TotalRevenue,
			EventsProcessed:    processed,
			EventsStale:        stale,
		})
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Preparex(`INSERT INTO snapshots
		(run_id, time, active_agents, aggregate_bid, social_welfare, convergence_distance, is_nash, shares_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, s := range r.History {
		sharesJSON, err := json.Marshal(s.Shares)
		if err != nil {
			return 0, fmt.Errorf("encode shares at t=%v: %w", s.Time, err)
		}
		if _, err := stmt.Exec(runID, s.Time, s.ActiveAgents, s.AggregateBid, s.SocialWelfare,
			s.ConvergenceDistance, s.IsNash, string(sharesJSON)); err != nil {
			return 0, fmt.Errorf("insert snapshot t=%v: %w", s.Time, err)
		}
	}

	for _, a := range r.Agents {
		_, err := tx.Exec(`INSERT INTO agent_stats
			(run_id, agent_id, mean_bid, std_bid, final_bid, mean_allocation, mean_utility, total_payoff, bid_updates)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, a.ID, a.MeanBid, a.StdBid, a.FinalBid, a.MeanAllocation, a.MeanUtility, a.TotalPayoff, a.BidUpdates)
		if err != nil {
			return 0, fmt.Errorf("insert agent %d: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logrus.Infof("saved run %d (%q): %d snapshots, %d agents", runID, label, len(r.History), len(r.Agents))
	return runID, nil
}

// Runs returns every stored run, oldest first.
func (db *DB) Runs() ([]RunRow, error) {
	var runs []RunRow
	err := db.conn.Select(&runs, `SELECT id, label, seed, policy, final_time, mean_social_welfare,
		final_social_welfare, reached_equilibrium, convergence_time, total_revenue,
		events_processed, events_stale FROM runs ORDER BY id`)
	return runs, err
}

// Snapshots returns the stored history of a run in time order.
func (db *DB) Snapshots(runID int64) ([]SnapshotRow, error) {
	var rows []SnapshotRow
	err := db.conn.Select(&rows, `SELECT run_id, time, active_agents, aggregate_bid, social_welfare,
		convergence_distance, is_nash, shares_json FROM snapshots WHERE run_id = ? ORDER BY rowid`, runID)
	return rows, err
}
