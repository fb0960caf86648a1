package behavr

import (
	"errors"
	"fmt"
)

// ErrNoValidFit means that no consensus iteration produced a usable fit.
var ErrNoValidFit = errors.New("no valid solution found")

// FailureRecord notes an individual-day that was left out of the results.
// Day is 0 when the whole individual was lost.
type FailureRecord struct {
	ID      string `msgpack:"id"`
	Day     int    `msgpack:"day"`
	Message string `msgpack:"message"`
}

// Gate decides whether a consensus is usable.
type Gate struct {

	// Rule B only applies to consensus profiles of exactly this length
	FullDay int

	// Rule B excludes a day when strictly more than MaxSharePct percent of
	// its time points share one state
	MaxSharePct int
}

// DefaultGate applies single-state dominance to full 1440 minute days at
// 99%.
var DefaultGate = Gate{FullDay: MinutesPerDay, MaxSharePct: 99}

// Check returns a FailureRecord if the consensus must be excluded, and nil
// otherwise.
func (g Gate) Check(id string, day int, con *Consensus) *FailureRecord {

	if con.Successful == 0 {
		return &FailureRecord{
			ID:      id,
			Day:     day,
			Message: fmt.Errorf("%w after %d iterations", ErrNoValidFit, con.Iterations).Error(),
		}
	}

	n := len(con.States)
	if n != g.FullDay {
		return nil
	}

	counts := make(map[string]int, NumStates)
	top := 0
	for _, s := range con.States {
		counts[s]++
		if counts[s] > top {
			top = counts[s]
		}
	}

	if top*100 > g.MaxSharePct*n {
		return &FailureRecord{
			ID:      id,
			Day:     day,
			Message: fmt.Sprintf("excluded: >%d%% of %d minutes in one state", g.MaxSharePct, g.FullDay),
		}
	}

	return nil
}
