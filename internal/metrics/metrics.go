// Package metrics holds the process-wide shadow comparator counters
// (§4.H.5) and renders them for the oxidedbShadowMetrics admin
// pseudo-command (§6).
package metrics

import "sync/atomic"

// Shadow is the set of atomic counters the comparator increments. Zero
// value is ready to use.
type Shadow struct {
	attempts  atomic.Int64
	matches   atomic.Int64
	mismatches atomic.Int64
	timeouts  atomic.Int64
}

func (s *Shadow) IncAttempts()   { s.attempts.Add(1) }
func (s *Shadow) IncMatches()    { s.matches.Add(1) }
func (s *Shadow) IncMismatches() { s.mismatches.Add(1) }
func (s *Shadow) IncTimeouts()   { s.timeouts.Add(1) }

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	Attempts   int64
	Matches    int64
	Mismatches int64
	Timeouts   int64
}

// Snapshot reads every counter without resetting it.
func (s *Shadow) Snapshot() Snapshot {
	return Snapshot{
		Attempts:   s.attempts.Load(),
		Matches:    s.matches.Load(),
		Mismatches: s.mismatches.Load(),
		Timeouts:   s.timeouts.Load(),
	}
}
