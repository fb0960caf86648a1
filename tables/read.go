// Package tables reads the activity table and writes the result tables,
// as CSV files or to a SQL database.
package tables

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/orijitghosh/flydream/behavr"
)

// ErrMissingColumn is returned when the activity table lacks a required
// column.
var ErrMissingColumn = errors.New("missing column")

// Canonical names of the required input columns.
const (
	colID       = "id"
	colDay      = "day"
	colOffset   = "time_offset"
	colActivity = "activity"
	colGenotype = "genotype"
)

// aliases maps lower-cased header names to canonical column names.
var aliases = map[string]string{
	"id":                  colID,
	"individual_id":       colID,
	"day":                 colDay,
	"time_offset":         colOffset,
	"time_offset_seconds": colOffset,
	"activity":            colActivity,
	"normalized_activity": colActivity,
	"genotype":            colGenotype,
}

var required = []string{colID, colDay, colOffset, colActivity, colGenotype}

// ReadActivity reads a CSV activity table.  Rows are grouped into one
// series per individual-day in order of first appearance, and the points
// of each series are sorted by time offset.  Columns other than the
// required ones are carried as metadata, taken from the first row of each
// series.
func ReadActivity(r io.Reader) ([]behavr.ActivitySeries, error) {

	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	pos := make(map[string]int)
	meta := make(map[int]string)
	for j, h := range head {
		h = strings.TrimSpace(h)
		if c, ok := aliases[strings.ToLower(h)]; ok {
			if _, dup := pos[c]; !dup {
				pos[c] = j
				continue
			}
		}
		meta[j] = h
	}
	for _, c := range required {
		if _, ok := pos[c]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, c)
		}
	}

	type key struct {
		id  string
		day int
	}
	var series []behavr.ActivitySeries
	index := make(map[key]int)

	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		id := strings.TrimSpace(rec[pos[colID]])
		day, err := parseInt(rec[pos[colDay]])
		if err != nil {
			return nil, fmt.Errorf("line %d: day: %w", line, err)
		}
		off, err := parseInt(rec[pos[colOffset]])
		if err != nil {
			return nil, fmt.Errorf("line %d: time offset: %w", line, err)
		}
		act, err := strconv.ParseFloat(strings.TrimSpace(rec[pos[colActivity]]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: activity: %w", line, err)
		}

		k := key{id, int(day)}
		i, ok := index[k]
		if !ok {
			i = len(series)
			index[k] = i
			s := behavr.ActivitySeries{
				ID:       id,
				Genotype: strings.TrimSpace(rec[pos[colGenotype]]),
				Day:      int(day),
			}
			if len(meta) > 0 {
				s.Meta = make(map[string]string, len(meta))
				for j, name := range meta {
					s.Meta[name] = rec[j]
				}
			}
			series = append(series, s)
		}
		series[i].Points = append(series[i].Points, behavr.Point{TimeOffset: off, Activity: act})
	}

	for i := range series {
		pts := series[i].Points
		sort.SliceStable(pts, func(a, b int) bool { return pts[a].TimeOffset < pts[b].TimeOffset })
	}

	return series, nil
}

// parseInt accepts integers written either plainly or as floats, such as
// "60" or "60.0".
func parseInt(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%q is not a whole number", s)
	}
	return int64(f), nil
}
