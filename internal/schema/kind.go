package schema

import (
	"fmt"
	"slices"
	"strings"
)

// Kind selects which histogram family a run aggregates.
type Kind string

const (
	Histograms      Kind = "histograms"
	KeyedHistograms Kind = "keyed_histograms"
)

// Kinds lists the accepted selectors.
var Kinds = []Kind{Histograms, KeyedHistograms}

// ParseKind validates a selector string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(s))
	if slices.Contains(Kinds, k) {
		return k, nil
	}
	return "", fmt.Errorf("agg-type must be one of %s, %s; got %q", Histograms, KeyedHistograms, s)
}

// Keyed reports whether k is the keyed family.
func (k Kind) Keyed() bool { return k == KeyedHistograms }

// Process scopes a probe can be recorded in.
const (
	Parent  = "parent"
	Content = "content"
	GPU     = "gpu"
)

// ChildProcesses are the children of payload.processes that are inspected.
var ChildProcesses = []string{Content, GPU}

// ProcessFilter restricts which process scopes are emitted.
// A nil filter means "all processes"; a non-nil empty filter admits none.
type ProcessFilter []string

// NewProcessFilter returns a non-nil filter holding ps, trimmed and deduplicated.
func NewProcessFilter(ps []string) ProcessFilter {
	out := ProcessFilter{}
	for _, p := range ps {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// IsAll reports whether no filter was given.
func (f ProcessFilter) IsAll() bool { return f == nil }

// Contains reports whether p was explicitly listed.
func (f ProcessFilter) Contains(p string) bool { return slices.Contains(f, p) }

// Allows reports whether scope p passes the filter.
func (f ProcessFilter) Allows(p string) bool { return f.IsAll() || f.Contains(p) }

func (f ProcessFilter) String() string {
	if f.IsAll() {
		return "all"
	}
	return "[" + strings.Join(f, ",") + "]"
}
