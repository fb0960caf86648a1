package behavr

import (
	"strings"
	"testing"
)

// dominated returns a full-day consensus in which the first n minutes are
// State3 and the rest alternate between the other states.
func dominated(n int) *Consensus {
	con := &Consensus{Successful: 10, Iterations: 100}
	con.States = make([]string, MinutesPerDay)
	con.ErrorScore = make([]float64, MinutesPerDay)
	for t := range con.States {
		if t < n {
			con.States[t] = "State3"
		} else {
			con.States[t] = StateNames[t%3]
		}
	}
	return con
}

func TestGateDominance(t *testing.T) {

	for _, tc := range []struct {
		name     string
		n        int
		excluded bool
	}{
		{"98.9%", 1424, false},
		{"99.0%", 1425, false},
		{"99.1%", 1427, true},
		{"100%", 1440, true},
	} {
		fr := DefaultGate.Check("fly1", 2, dominated(tc.n))
		if (fr != nil) != tc.excluded {
			t.Errorf("%s: excluded=%v, want %v", tc.name, fr != nil, tc.excluded)
			continue
		}
		if fr != nil {
			if fr.ID != "fly1" || fr.Day != 2 {
				t.Errorf("%s: wrong record %+v", tc.name, fr)
			}
			if !strings.Contains(fr.Message, ">99%") {
				t.Errorf("%s: message %q", tc.name, fr.Message)
			}
		}
	}
}

func TestGatePartialDay(t *testing.T) {

	// Rule B only applies to full days.
	con := &Consensus{Successful: 5, Iterations: 100, States: make([]string, 100), ErrorScore: make([]float64, 100)}
	for i := range con.States {
		con.States[i] = "State3"
	}
	if fr := DefaultGate.Check("fly1", 1, con); fr != nil {
		t.Errorf("partial day excluded: %+v", fr)
	}
}

func TestGateNoSolution(t *testing.T) {

	fr := DefaultGate.Check("fly9", 3, &Consensus{Iterations: 100})
	if fr == nil {
		t.Fatal("expected a failure record")
	}
	if fr.Message != "no valid solution found after 100 iterations" {
		t.Errorf("message %q", fr.Message)
	}
}
