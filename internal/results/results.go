// Package results merges the responses collected by a run into the single
// document written to the user.
package results

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"wfpscan/internal/api"
)

// Report is the merged outcome of a run.
type Report struct {
	// Results maps file path to its matches. When a path appears in several
	// responses the later one wins.
	Results map[string][]api.Match
	// Raw holds verbatim bodies of non-JSON formats, in collection order.
	Raw       []string
	Responses int
}

func Merge(responses []*api.Response) Report {
	r := Report{Results: make(map[string][]api.Match)}
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		r.Responses++
		if resp.Raw != "" {
			r.Raw = append(r.Raw, resp.Raw)
			continue
		}
		for path, matches := range resp.Results {
			r.Results[path] = matches
		}
	}
	return r
}

// Empty reports whether the run produced nothing to write.
func (r Report) Empty() bool {
	return r.Responses == 0
}

// Counts tallies the first match of every file by its id ("file",
// "snippet", "none", ...), sorted by id.
func (r Report) Counts() []Count {
	tally := make(map[string]int)
	for _, matches := range r.Results {
		id := "none"
		if len(matches) > 0 && matches[0].ID() != "" {
			id = matches[0].ID()
		}
		tally[id]++
	}
	counts := make([]Count, 0, len(tally))
	for id, n := range tally {
		counts = append(counts, Count{ID: id, Files: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].ID < counts[j].ID })
	return counts
}

type Count struct {
	ID    string
	Files int
}

// Write renders the report: raw bodies concatenated, or the merged results as
// indented JSON with sorted keys.
func Write(w io.Writer, r Report) error {
	if len(r.Raw) > 0 {
		for _, raw := range r.Raw {
			if _, err := io.WriteString(w, raw); err != nil {
				return err
			}
			if !strings.HasSuffix(raw, "\n") {
				if _, err := io.WriteString(w, "\n"); err != nil {
					return err
				}
			}
		}
		return nil
	}

	results := r.Results
	if results == nil {
		results = map[string][]api.Match{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// WriteFile writes the rendered report to path, replacing any previous
// content. An empty path writes to stdout.
func WriteFile(path string, r Report) error {
	if path == "" {
		return Write(os.Stdout, r)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	if err := Write(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output %s: %w", path, err)
	}
	return f.Close()
}
