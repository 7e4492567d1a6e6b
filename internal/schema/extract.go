package schema

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrNoProbeFields means the schema has no field for the requested kind in any
// process scope. It is distinct from a kind field that exists but is empty.
var ErrNoProbeFields = errors.New("no probe fields found in schema")

// Discovery is one (probe, process) sighting in the schema.
type Discovery struct {
	Probe   string
	Process string
}

// Probes maps a probe name to its sorted process scopes. A probe whose scopes
// were all filtered out is kept with an empty slice.
type Probes map[string][]string

// Names returns the probe names in sorted order.
func (p Probes) Names() []string {
	out := make([]string, 0, len(p))
	for name := range p {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Discover walks s and returns every probe sighting for kind, in schema order.
//
// payload.<kind> is the parent scope; payload.processes.<content|gpu>.<kind>
// are the child scopes. Only direct children of a kind field are probes.
func Discover(s *Schema, kind Kind) ([]Discovery, error) {
	payload, ok := s.Field("payload")
	if !ok {
		return nil, fmt.Errorf("%w: kind=%s (no payload field)", ErrNoProbeFields, kind)
	}

	var (
		found bool
		out   []Discovery
	)
	collect := func(kindField Field, process string) {
		found = true
		for _, probe := range kindField.Fields {
			if probe.Name == "" {
				continue
			}
			out = append(out, Discovery{Probe: probe.Name, Process: process})
		}
	}

	if f, ok := payload.Child(string(kind)); ok {
		collect(f, Parent)
	}
	if processes, ok := payload.Child("processes"); ok {
		for _, proc := range processes.Fields {
			if !slices.Contains(ChildProcesses, proc.Name) {
				continue
			}
			if f, ok := proc.Child(string(kind)); ok {
				collect(f, proc.Name)
			}
		}
	}

	if !found {
		return nil, fmt.Errorf("%w: kind=%s", ErrNoProbeFields, kind)
	}
	return out, nil
}

// Extract discovers probes for kind and folds the sightings into Probes,
// keeping only the scopes filter allows.
func Extract(s *Schema, kind Kind, filter ProcessFilter) (Probes, error) {
	found, err := Discover(s, kind)
	if err != nil {
		return nil, err
	}

	out := make(Probes, len(found))
	for _, d := range found {
		procs, ok := out[d.Probe]
		if !ok {
			procs = []string{}
		}
		if filter.Allows(d.Process) && !slices.Contains(procs, d.Process) {
			procs = append(procs, d.Process)
		}
		out[d.Probe] = procs
	}
	for name := range out {
		sort.Strings(out[name])
	}
	return out, nil
}
