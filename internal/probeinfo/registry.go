// Package probeinfo fetches the probe-info registry and resolves schema probes
// against it: channel choice, keyed-flag reconciliation, and bucket layout.
package probeinfo

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	json "github.com/goccy/go-json"
)

// Registry maps registry keys ("histogram/GC_MS", "scalar/...") to entries.
type Registry map[string]Entry

// Entry is one probe's history, keyed by channel. Records are newest first.
type Entry struct {
	History map[string][]Record `json:"history"`
}

// Record is one historical definition of a probe.
//
// The live service nests the definition under "details"; older dumps and
// fixtures carry the fields at the top level. Both decode to the same Record.
type Record struct {
	Details
}

// Details is the part of a definition the resolver needs.
type Details struct {
	Kind     string `json:"kind"`
	Keyed    bool   `json:"keyed"`
	NBuckets Expr   `json:"n_buckets"`
	Low      Expr   `json:"low"`
	High     Expr   `json:"high"`
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var raw struct {
		Details  *Details `json:"details"`
		Kind     string   `json:"kind"`
		Keyed    bool     `json:"keyed"`
		NBuckets Expr     `json:"n_buckets"`
		Low      Expr     `json:"low"`
		High     Expr     `json:"high"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Details != nil {
		r.Details = *raw.Details
		return nil
	}
	r.Details = Details{Kind: raw.Kind, Keyed: raw.Keyed, NBuckets: raw.NBuckets, Low: raw.Low, High: raw.High}
	return nil
}

// Expr is a bucket parameter as the registry states it. The registry mixes
// JSON numbers (1000) with strings ("25*100"); both are kept as text.
type Expr string

func (e *Expr) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*e = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = Expr(strings.TrimSpace(s))
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("bucket parameter %s: %w", b, err)
		}
		*e = Expr(n.String())
	}
	return nil
}

// Decode reads a registry document from r.
func Decode(r io.Reader) (Registry, error) {
	var reg Registry
	dec := json.NewDecoder(r)
	if err := dec.Decode(&reg); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = Registry{}
	}
	return reg, nil
}
