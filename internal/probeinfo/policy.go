package probeinfo

import "histagg/internal/schema"

// ChannelPriority is the order channels are consulted in; the first channel
// present in a probe's history wins.
var ChannelPriority = []string{"nightly", "beta", "release"}

// SelectChannel returns the newest record of the first channel in priority
// order that has any records.
func SelectChannel(e Entry, priority []string) (channel string, rec Record, ok bool) {
	for _, ch := range priority {
		if recs := e.History[ch]; len(recs) > 0 {
			return ch, recs[0], true
		}
	}
	return "", Record{}, false
}

// ReconciliationRule drops probes whose registry keyed flag contradicts the
// run's kind. Some gpu histograms are recorded under the wrong family in the
// schema, so the rule only applies when the gate process can be emitted.
type ReconciliationRule struct {
	GateProcess string
}

// DefaultReconciliation gates the keyed-flag check on the gpu process.
var DefaultReconciliation = ReconciliationRule{GateProcess: schema.GPU}

// Active reports whether the rule applies for filter at all.
func (r ReconciliationRule) Active(filter schema.ProcessFilter) bool {
	return filter.IsAll() || filter.Contains(r.GateProcess)
}

// Drops reports whether a probe with registry flag keyed is dropped from a run
// of kind under filter.
func (r ReconciliationRule) Drops(kind schema.Kind, filter schema.ProcessFilter, keyed bool) bool {
	return r.Active(filter) && keyed == (kind == schema.Histograms)
}
