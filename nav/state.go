package nav

import (
	"sync"
	"time"
)

// StateTracker holds the latest navigation outputs for HTTP endpoints
type StateTracker struct {
	mu          sync.RWMutex
	coord       *NavCoordinate
	target      *TargetStatus
	seed        *TractSeed
	updatedAt   time.Time
	subscribers map[chan NavCoordinate]struct{}
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	return &StateTracker{
		subscribers: make(map[chan NavCoordinate]struct{}),
	}
}

// UpdateCoordinate stores the latest coordinate and fans it out to subscribers.
// Slow subscribers miss updates instead of blocking the caller.
func (st *StateTracker) UpdateCoordinate(c NavCoordinate) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cp := c
	st.coord = &cp
	st.updatedAt = time.Now()

	for ch := range st.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}

// UpdateTarget stores the latest target status
func (st *StateTracker) UpdateTarget(t TargetStatus) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := t
	st.target = &cp
}

// ClearTarget forgets the target status (after the target is removed)
func (st *StateTracker) ClearTarget() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.target = nil
}

// UpdateSeed stores the latest tractography seed
func (st *StateTracker) UpdateSeed(s TractSeed) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := s
	st.seed = &cp
}

// GetCoordinate returns a copy of the latest coordinate
func (st *StateTracker) GetCoordinate() (NavCoordinate, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.coord == nil {
		return NavCoordinate{}, false
	}
	return *st.coord, true
}

// GetTarget returns a copy of the latest target status
func (st *StateTracker) GetTarget() (TargetStatus, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.target == nil {
		return TargetStatus{}, false
	}
	return *st.target, true
}

// GetSeed returns a copy of the latest seed
func (st *StateTracker) GetSeed() (TractSeed, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.seed == nil {
		return TractSeed{}, false
	}
	return *st.seed, true
}

// LastUpdate returns when a coordinate was last stored
func (st *StateTracker) LastUpdate() time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.updatedAt
}

// Subscribe returns a channel receiving each new coordinate and a cancel func
func (st *StateTracker) Subscribe() (<-chan NavCoordinate, func()) {
	ch := make(chan NavCoordinate, 1)
	st.mu.Lock()
	st.subscribers[ch] = struct{}{}
	st.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			st.mu.Lock()
			delete(st.subscribers, ch)
			st.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers
func (st *StateTracker) SubscriberCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.subscribers)
}
