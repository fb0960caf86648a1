package behavr

import "math"

// ConsensusRow is one time point of a consensus profile.
type ConsensusRow struct {
	Timestamp  int               `msgpack:"timestamp"`
	TimeOffset int64             `msgpack:"time_offset"`
	Activity   float64           `msgpack:"activity"`
	StateName  string            `msgpack:"state_name"`
	ErrorScore float64           `msgpack:"error_score"`
	Phase      string            `msgpack:"phase"`
	ID         string            `msgpack:"id"`
	Genotype   string            `msgpack:"genotype"`
	Day        int               `msgpack:"day"`
	Meta       map[string]string `msgpack:"meta,omitempty"`
}

// StateTimeRow is the time spent in one state during one phase of one
// individual-day.
type StateTimeRow struct {
	StateName string `msgpack:"state_name"`
	Phase     string `msgpack:"phase"`
	ID        string `msgpack:"id"`
	Day       int    `msgpack:"day"`
	Genotype  string `msgpack:"genotype"`
	TimeSpent int    `msgpack:"time_spent"`
}

// TransitionRow counts consensus moves between two states within one
// individual-day.
type TransitionRow struct {
	ID       string `msgpack:"id"`
	Day      int    `msgpack:"day"`
	Genotype string `msgpack:"genotype"`
	From     string `msgpack:"from"`
	To       string `msgpack:"to"`
	Count    int    `msgpack:"count"`
}

// Profile builds the consensus rows of one individual-day.
func Profile(s ActivitySeries, con *Consensus, lightHours float64) []ConsensusRow {

	rows := make([]ConsensusRow, len(s.Points))
	for t, p := range s.Points {
		rows[t] = ConsensusRow{
			Timestamp:  t + 1,
			TimeOffset: p.TimeOffset,
			Activity:   p.Activity,
			StateName:  con.States[t],
			ErrorScore: con.ErrorScore[t],
			Phase:      Phase(p.TimeOffset, lightHours),
			ID:         s.ID,
			Genotype:   s.Genotype,
			Day:        s.Day,
			Meta:       s.Meta,
		}
	}

	return rows
}

// TimeSpent sums the minutes spent in each state and phase.  Every
// state/phase combination is present, zero-filled if never observed.
func TimeSpent(s ActivitySeries, rows []ConsensusRow) []StateTimeRow {

	counts := make(map[[2]string]int)
	for _, r := range rows {
		counts[[2]string{r.StateName, r.Phase}]++
	}

	step := float64(s.StepSeconds()) / 60

	out := make([]StateTimeRow, 0, NumStates*len(Phases))
	for _, st := range StateNames {
		for _, ph := range Phases {
			out = append(out, StateTimeRow{
				StateName: st,
				Phase:     ph,
				ID:        s.ID,
				Day:       s.Day,
				Genotype:  s.Genotype,
				TimeSpent: int(math.Round(float64(counts[[2]string{st, ph}]) * step)),
			})
		}
	}

	return out
}

// Transitions counts the moves between consecutive consensus states.
// Every ordered pair of states is present.
func Transitions(s ActivitySeries, rows []ConsensusRow) []TransitionRow {

	var counts [NumStates][NumStates]int
	for t := 1; t < len(rows); t++ {
		counts[stateIndex(rows[t-1].StateName)][stateIndex(rows[t].StateName)]++
	}

	out := make([]TransitionRow, 0, NumStates*NumStates)
	for i, from := range StateNames {
		for j, to := range StateNames {
			out = append(out, TransitionRow{
				ID:       s.ID,
				Day:      s.Day,
				Genotype: s.Genotype,
				From:     from,
				To:       to,
				Count:    counts[i][j],
			})
		}
	}

	return out
}
