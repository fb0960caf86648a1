package tables

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/orijitghosh/flydream/behavr"
)

// File names used by WriteResult.
const (
	ProfilesFile    = "profiles.csv"
	TimeSpentFile   = "time_spent.csv"
	TransitionsFile = "transitions.csv"
	FailuresFile    = "failures.csv"
)

func ftoa(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}

// metaColumns returns the sorted union of the metadata keys of rows.
func metaColumns(rows []behavr.ConsensusRow) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for k := range r.Meta {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// WriteProfiles writes the consensus rows, followed by one column for
// each metadata key that occurs in any row.
func WriteProfiles(w io.Writer, rows []behavr.ConsensusRow) error {

	meta := metaColumns(rows)

	cw := csv.NewWriter(w)
	head := []string{"timestamp", "state_name", "error_score", "phase", "ID", "Genotype", "day", "activity", "time_offset"}
	if err := cw.Write(append(head, meta...)); err != nil {
		return err
	}

	rec := make([]string, 9+len(meta))
	for _, r := range rows {
		rec[0] = strconv.Itoa(r.Timestamp)
		rec[1] = r.StateName
		rec[2] = ftoa(r.ErrorScore)
		rec[3] = r.Phase
		rec[4] = r.ID
		rec[5] = r.Genotype
		rec[6] = strconv.Itoa(r.Day)
		rec[7] = ftoa(r.Activity)
		rec[8] = strconv.FormatInt(r.TimeOffset, 10)
		for j, k := range meta {
			rec[9+j] = r.Meta[k]
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteTimeSpent writes the time-in-state rows.
func WriteTimeSpent(w io.Writer, rows []behavr.StateTimeRow) error {

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"state_name", "phase", "ID", "day", "Genotype", "time_spent"}); err != nil {
		return err
	}

	for _, r := range rows {
		rec := []string{r.StateName, r.Phase, r.ID, strconv.Itoa(r.Day), r.Genotype, strconv.Itoa(r.TimeSpent)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteTransitions writes the transition count rows.
func WriteTransitions(w io.Writer, rows []behavr.TransitionRow) error {

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ID", "day", "Genotype", "from", "to", "count"}); err != nil {
		return err
	}

	for _, r := range rows {
		rec := []string{r.ID, strconv.Itoa(r.Day), r.Genotype, r.From, r.To, strconv.Itoa(r.Count)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteFailures writes the failure records.
func WriteFailures(w io.Writer, rows []behavr.FailureRecord) error {

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ID", "Day", "ErrorMessage"}); err != nil {
		return err
	}

	for _, r := range rows {
		if err := cw.Write([]string{r.ID, strconv.Itoa(r.Day), r.Message}); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteResult writes all four tables of res into dir, which is created if
// needed.
func WriteResult(dir string, res *behavr.Result) error {

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	write := func(name string, f func(io.Writer) error) error {
		fid, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if err := f(fid); err != nil {
			fid.Close()
			return fmt.Errorf("writing %s: %w", name, err)
		}
		return fid.Close()
	}

	if err := write(ProfilesFile, func(w io.Writer) error { return WriteProfiles(w, res.Profiles) }); err != nil {
		return err
	}
	if err := write(TimeSpentFile, func(w io.Writer) error { return WriteTimeSpent(w, res.TimeSpent) }); err != nil {
		return err
	}
	if err := write(TransitionsFile, func(w io.Writer) error { return WriteTransitions(w, res.Transitions) }); err != nil {
		return err
	}

	return write(FailuresFile, func(w io.Writer) error { return WriteFailures(w, res.Failures) })
}
