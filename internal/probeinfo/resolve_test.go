package probeinfo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"histagg/internal/schema"
)

func rec(kind string, keyed bool, n, low, high Expr) Record {
	return Record{Details: Details{Kind: kind, Keyed: keyed, NBuckets: n, Low: low, High: high}}
}

func entry(channel string, recs ...Record) Entry {
	return Entry{History: map[string][]Record{channel: recs}}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"histogram/GC_MS", "gc_ms", true},
		{"histogram/A11Y.INSTANTIATED_FLAG", "a11y_instantiated_flag", true},
		{"scalar/browser.x", "", false},
		{"histogram/", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeName(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSelectChannel_Priority(t *testing.T) {
	t.Parallel()

	e := Entry{History: map[string][]Record{
		"release": {rec("linear", false, "1", "1", "1")},
		"beta":     {rec("enumerated", false, "2", "1", "2"), rec("old", false, "1", "1", "1")},
	}}
	ch, r, ok := SelectChannel(e, ChannelPriority)
	require.True(t, ok)
	assert.Equal(t, "beta", ch)
	assert.Equal(t, "enumerated", r.Kind, "newest record of the channel")

	_, _, ok = SelectChannel(Entry{History: map[string][]Record{"esr": {rec("x", false, "1", "1", "1")}}}, ChannelPriority)
	assert.False(t, ok)
	_, _, ok = SelectChannel(Entry{History: map[string][]Record{"nightly": {}}}, ChannelPriority)
	assert.False(t, ok, "empty history list is not a present channel")
}

func TestReconciliationRule_Drops(t *testing.T) {
	t.Parallel()

	rule := DefaultReconciliation
	all := schema.ProcessFilter(nil)
	withGPU := schema.NewProcessFilter([]string{"parent", "gpu"})
	noGPU := schema.NewProcessFilter([]string{"parent", "content"})

	tests := []struct {
		name   string
		kind   schema.Kind
		filter schema.ProcessFilter
		keyed  bool
		want   bool
	}{
		{"scalar_run_keyed_probe_all", schema.Histograms, all, true, true},
		{"scalar_run_scalar_probe_all", schema.Histograms, all, false, false},
		{"keyed_run_scalar_probe_all", schema.KeyedHistograms, all, false, true},
		{"keyed_run_keyed_probe_all", schema.KeyedHistograms, all, true, false},
		{"scalar_run_keyed_probe_gpu", schema.Histograms, withGPU, true, true},
		{"scalar_run_keyed_probe_no_gpu", schema.Histograms, noGPU, true, false},
		{"keyed_run_scalar_probe_no_gpu", schema.KeyedHistograms, noGPU, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rule.Drops(tt.kind, tt.filter, tt.keyed), tt.name)
	}
}

func TestResolve_LiteralAndMultiplicativeBuckets(t *testing.T) {
	t.Parallel()

	reg := Registry{
		"histogram/GC_MS":    entry("nightly", rec("exponential", false, "50", "1", "10000")),
		"histogram/POPUP_MS": entry("release", rec("linear", false, "80*25", "1", "2000")),
	}
	probes := schema.Probes{"gc_ms": {"content", "parent"}, "popup_ms": {"parent"}}

	res, err := Resolve(reg, probes, schema.Histograms, nil)
	require.NoError(t, err)
	require.Len(t, res.Probes, 2)

	assert.Equal(t, Probe{
		Name: "gc_ms", Type: "exponential", Processes: []string{"content", "parent"},
		Bucket: Bucket{Min: 1, Max: 10000, Count: 50}, Channel: "nightly",
	}, res.Probes[0])
	assert.Equal(t, Bucket{Min: 1, Max: 2000, Count: 2000}, res.Probes[1].Bucket)
	assert.Equal(t, "release", res.Probes[1].Channel)
}

func TestResolve_Intersection(t *testing.T) {
	t.Parallel()

	reg := Registry{
		"histogram/A":          entry("nightly", rec("linear", false, "10", "1", "10")),
		"histogram/REGISTRY_ONLY": entry("nightly", rec("linear", false, "10", "1", "10")),
		"scalar/b":             entry("nightly", rec("uint", false, "", "", "")),
	}
	probes := schema.Probes{"a": {"parent"}, "b": {"parent"}, "schema_only": {"parent"}}

	res, err := Resolve(reg, probes, schema.Histograms, nil)
	require.NoError(t, err)
	require.Len(t, res.Probes, 1)
	assert.Equal(t, "a", res.Probes[0].Name)
	assert.Equal(t, []string{"b", "schema_only"}, res.Missing)
}

func TestResolve_KeyedReconciliation(t *testing.T) {
	t.Parallel()

	reg := Registry{
		"histogram/SCALAR_ONE": entry("nightly", rec("linear", false, "10", "1", "10")),
		"histogram/KEYED_ONE":  entry("nightly", rec("count", true, "3", "1", "2")),
	}
	probes := schema.Probes{"scalar_one": {"gpu"}, "keyed_one": {"gpu"}}

	res, err := Resolve(reg, probes, schema.Histograms, nil)
	require.NoError(t, err)
	require.Len(t, res.Probes, 1)
	assert.Equal(t, "scalar_one", res.Probes[0].Name)
	assert.Equal(t, []string{"keyed_one"}, res.Dropped)

	res, err = Resolve(reg, probes, schema.KeyedHistograms, nil)
	require.NoError(t, err)
	require.Len(t, res.Probes, 1)
	assert.Equal(t, "keyed_one", res.Probes[0].Name)
	assert.Equal(t, []string{"scalar_one"}, res.Dropped)

	// A filter without gpu disables the rule entirely.
	res, err = Resolve(reg, probes, schema.Histograms, schema.NewProcessFilter([]string{"parent"}))
	require.NoError(t, err)
	assert.Len(t, res.Probes, 2)
	assert.Empty(t, res.Dropped)
}

func TestResolve_ExcludesNoChannelAndIncomplete(t *testing.T) {
	t.Parallel()

	reg := Registry{
		"histogram/ESR_ONLY": entry("esr", rec("linear", false, "10", "1", "10")),
		"histogram/NO_KIND":  entry("nightly", rec("", false, "10", "1", "10")),
		"histogram/NO_HIGH":  entry("nightly", rec("linear", false, "10", "1", "")),
	}
	probes := schema.Probes{"esr_only": {"parent"}, "no_kind": {"parent"}, "no_high": {"parent"}}

	res, err := Resolve(reg, probes, schema.Histograms, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Probes)
	assert.NotNil(t, res.Probes)
	assert.Equal(t, []string{"esr_only"}, res.NoChannel)
	assert.Equal(t, []string{"no_high", "no_kind"}, res.Incomplete)
}

func TestResolve_BadExpressionAborts(t *testing.T) {
	t.Parallel()

	reg := Registry{
		"histogram/FINE": entry("nightly", rec("linear", false, "10", "1", "10")),
		"histogram/EVIL": entry("nightly", rec("linear", false, "10", "1", "__import__('os')")),
	}
	probes := schema.Probes{"fine": {"parent"}, "evil": {"parent"}}

	_, err := Resolve(reg, probes, schema.Histograms, nil)
	require.Error(t, err)
	var bee *BucketExpressionError
	require.True(t, errors.As(err, &bee))
	assert.Equal(t, "evil", bee.Probe)
	assert.Equal(t, "high", bee.Field)

	// Malformed parameters on probes outside the schema are never evaluated.
	res, err := Resolve(reg, schema.Probes{"fine": {"parent"}}, schema.Histograms, nil)
	require.NoError(t, err)
	assert.Len(t, res.Probes, 1)
}

func TestResolve_NameCollisionPicksFirstKey(t *testing.T) {
	t.Parallel()

	reg := Registry{
		"histogram/GC.MS": entry("nightly", rec("linear", false, "5", "1", "5")),
		"histogram/GC_MS": entry("nightly", rec("exponential", false, "50", "1", "10000")),
	}
	res, err := Resolve(reg, schema.Probes{"gc_ms": {"parent"}}, schema.Histograms, nil)
	require.NoError(t, err)
	require.Len(t, res.Probes, 1)
	// "histogram/GC.MS" < "histogram/GC_MS"
	assert.Equal(t, "linear", res.Probes[0].Type)
}

func TestResolve_EmptyProcessSetIsKept(t *testing.T) {
	t.Parallel()

	reg := Registry{"histogram/A": entry("nightly", rec("linear", false, "10", "1", "10"))}
	res, err := Resolve(reg, schema.Probes{"a": {}}, schema.Histograms, schema.NewProcessFilter([]string{"parent"}))
	require.NoError(t, err)
	require.Len(t, res.Probes, 1)
	assert.NotNil(t, res.Probes[0].Processes)
	assert.Empty(t, res.Probes[0].Processes)
}
