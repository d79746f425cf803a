// Package plan handles task-graph plan revisions: version parsing, the next
// version in a chain, and structural diffs between two stored revisions.
package plan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/johnplanow/substrate-sub007/internal/graph"
)

// ParseVersion parses a plan version string. Versions are positive
// integers; anything else is rejected.
func ParseVersion(s string) (int, error) {
	trimmed := strings.TrimSpace(s)
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("plan version %q is not an integer", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("plan version must be positive, got %d", n)
	}
	return n, nil
}

// NextVersion returns the version following the latest stored one. A chain
// with no versions starts at 1.
func NextVersion(latest int) int {
	if latest < 1 {
		return 1
	}
	return latest + 1
}

// Diff is the task-level difference between two plan revisions.
type Diff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Empty reports whether the revisions are structurally identical.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// ComputePlanDiff parses two task-graph documents and reports which tasks
// were added, removed, or changed. Diffing a revision against itself is
// always empty.
func ComputePlanDiff(oldDoc, newDoc []byte) (Diff, error) {
	oldGraph, err := graph.Parse(oldDoc)
	if err != nil {
		return Diff{}, fmt.Errorf("parsing old revision: %w", err)
	}
	newGraph, err := graph.Parse(newDoc)
	if err != nil {
		return Diff{}, fmt.Errorf("parsing new revision: %w", err)
	}

	var d Diff
	for id, newTask := range newGraph.Tasks {
		oldTask, ok := oldGraph.Tasks[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		if !cmp.Equal(oldTask, newTask) {
			d.Modified = append(d.Modified, id)
		}
	}
	for id := range oldGraph.Tasks {
		if _, ok := newGraph.Tasks[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d, nil
}
