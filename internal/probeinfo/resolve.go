package probeinfo

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"histagg/internal/schema"
)

const histogramPrefix = "histogram/"

// Bucket is a histogram's bucket layout.
type Bucket struct {
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
	Count int64 `json:"count"`
}

// Probe is a schema probe matched to its registry definition.
type Probe struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Processes []string `json:"processes"`
	Bucket    Bucket   `json:"bucket"`
	Channel   string   `json:"channel"`
}

// Resolution is the outcome of Resolve. Probes is sorted by name; the other
// lists name schema probes that were excluded, and why.
type Resolution struct {
	Probes []Probe `json:"probes"`

	Missing    []string `json:"missing,omitempty"`    // not in the registry
	NoChannel  []string `json:"no_channel,omitempty"` // no nightly/beta/release history
	Dropped    []string `json:"dropped,omitempty"`    // keyed flag contradicts the run kind
	Incomplete []string `json:"incomplete,omitempty"` // missing type or bucket parameters
}

// Resolver holds the decision data used by Resolve.
type Resolver struct {
	Channels []string
	Rule     ReconciliationRule
}

// DefaultResolver uses ChannelPriority and DefaultReconciliation.
var DefaultResolver = Resolver{Channels: ChannelPriority, Rule: DefaultReconciliation}

// Resolve resolves probes with DefaultResolver.
func Resolve(reg Registry, probes schema.Probes, kind schema.Kind, filter schema.ProcessFilter) (Resolution, error) {
	return DefaultResolver.Resolve(reg, probes, kind, filter)
}

// Resolve keeps the schema probes that have a histogram definition, picks the
// most stable channel, applies the keyed-flag rule, and evaluates bucket
// parameters. A malformed bucket parameter aborts with *BucketExpressionError.
func (r Resolver) Resolve(reg Registry, probes schema.Probes, kind schema.Kind, filter schema.ProcessFilter) (Resolution, error) {
	byName := histogramKeys(reg)
	out := Resolution{Probes: []Probe{}}

	for _, name := range probes.Names() {
		key, ok := byName[name]
		if !ok {
			out.Missing = append(out.Missing, name)
			continue
		}
		channel, rec, ok := SelectChannel(reg[key], r.Channels)
		if !ok {
			out.NoChannel = append(out.NoChannel, name)
			continue
		}
		if r.Rule.Drops(kind, filter, rec.Keyed) {
			out.Dropped = append(out.Dropped, name)
			continue
		}
		if rec.Kind == "" || rec.NBuckets == "" || rec.Low == "" || rec.High == "" {
			out.Incomplete = append(out.Incomplete, name)
			continue
		}

		bucket, err := evalBucket(name, rec.Details)
		if err != nil {
			return Resolution{}, err
		}
		procs := make([]string, len(probes[name]))
		copy(procs, probes[name])
		out.Probes = append(out.Probes, Probe{
			Name:      name,
			Type:      rec.Kind,
			Processes: procs,
			Bucket:    bucket,
			Channel:   channel,
		})
	}
	return out, nil
}

func evalBucket(probe string, d Details) (Bucket, error) {
	var b Bucket
	for _, p := range []struct {
		field string
		expr  Expr
		dst   *int64
	}{
		{"low", d.Low, &b.Min},
		{"high", d.High, &b.Max},
		{"n_buckets", d.NBuckets, &b.Count},
	} {
		v, err := EvalInt(p.expr)
		if err != nil {
			return Bucket{}, &BucketExpressionError{Probe: probe, Field: p.field, Value: p.expr, Err: err}
		}
		*p.dst = v
	}
	return b, nil
}

// NormalizeName turns a registry key such as "histogram/GC.MS" into the
// schema column name "gc_ms". ok is false for non-histogram keys.
func NormalizeName(key string) (name string, ok bool) {
	rest, ok := strings.CutPrefix(key, histogramPrefix)
	if !ok || rest == "" {
		return "", false
	}
	// A Caser is stateful; build one per call.
	return cases.Lower(language.Und).String(strings.ReplaceAll(rest, ".", "_")), true
}

// histogramKeys maps normalized names to registry keys. When two keys
// normalize to the same name, the lexicographically first key wins.
func histogramKeys(reg Registry) map[string]string {
	keys := make([]string, 0, len(reg))
	for k := range reg {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		name, ok := NormalizeName(k)
		if !ok {
			continue
		}
		if _, taken := out[name]; !taken {
			out[name] = k
		}
	}
	return out
}
