package sim

import "container/heap"

// EventHeap is a min-heap of events with deterministic ordering:
// time first, then insertion order (FIFO among equal times).
type EventHeap struct {
	events  []*Event
	nextSeq uint64
}

// NewEventHeap creates an empty event heap.
func NewEventHeap() *EventHeap {
	h := &EventHeap{
		events: make([]*Event, 0),
	}
	heap.Init(h)
	return h
}

// Len implements heap.Interface
func (h *EventHeap) Len() int {
	return len(h.events)
}

// Less implements heap.Interface
func (h *EventHeap) Less(i, j int) bool {
	ei, ej := h.events[i], h.events[j]
	if ei.Time != ej.Time {
		return ei.Time < ej.Time
	}
	return ei.seq < ej.seq
}

// Swap implements heap.Interface
func (h *EventHeap) Swap(i, j int) {
	h.events[i], h.events[j] = h.events[j], h.events[i]
}

// Push implements heap.Interface
func (h *EventHeap) Push(x any) {
	h.events = append(h.events, x.(*Event))
}

// Pop implements heap.Interface
func (h *EventHeap) Pop() any {
	old := h.events
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.events = old[0 : n-1]
	return item
}

// Schedule stamps the event with the next sequence number and adds it.
func (h *EventHeap) Schedule(e *Event) {
	e.seq = h.nextSeq
	h.nextSeq++
	heap.Push(h, e)
}

// PopNext removes and returns the earliest event, or nil when empty.
func (h *EventHeap) PopNext() *Event {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Event)
}

// Peek returns the earliest event without removing it.
func (h *EventHeap) Peek() *Event {
	if h.Len() == 0 {
		return nil
	}
	return h.events[0]
}
