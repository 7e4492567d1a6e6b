package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Severity classifies a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the YAML path of the offending key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var (
	schemaSources  = map[string]bool{"bigquery": true, "file": true, "sqlite": true, "postgres": true, "mssql": true}
	storeKinds     = map[string]bool{"sqlite": true, "postgres": true, "mssql": true}
	metricBackends = map[string]bool{"": true, "none": true, "pushgateway": true, "datadog": true}
)

// Validate checks cfg and returns every issue found.
func (c Config) Validate() []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	s := c.Schema
	switch {
	case !schemaSources[s.Source]:
		add(SeverityError, "schema.source", "unsupported source %q", s.Source)
	case s.Source == "file" && strings.TrimSpace(s.File) == "":
		add(SeverityError, "schema.file", "required when schema.source is file")
	case s.Source == "bigquery":
		if s.Project == "" {
			add(SeverityError, "schema.project", "required for bigquery source")
		}
		if s.Dataset == "" {
			add(SeverityError, "schema.dataset", "required for bigquery source")
		}
		if s.Table == "" {
			add(SeverityError, "schema.table", "required for bigquery source")
		}
	case storeKinds[s.Source]:
		if s.DSN == "" {
			add(SeverityError, "schema.dsn", "required for %s source", s.Source)
		}
		if s.Table == "" {
			add(SeverityError, "schema.table", "snapshot table name required for %s source", s.Source)
		}
	}

	if err := checkURL(c.Registry.URL); err != nil {
		add(SeverityError, "registry.url", "%v", err)
	}
	if c.Registry.Timeout < 0 {
		add(SeverityError, "registry.timeout", "must not be negative")
	} else if c.Registry.Timeout == 0 {
		add(SeverityWarning, "registry.timeout", "no timeout; a stalled registry blocks the run")
	}

	if strings.TrimSpace(c.Query.SourceTable) == "" {
		add(SeverityError, "query.source_table", "required")
	}
	if strings.TrimSpace(c.Query.BuildhubTable) == "" {
		add(SeverityError, "query.buildhub_table", "required")
	}
	for _, tbl := range []struct{ path, v string }{
		{"query.source_table", c.Query.SourceTable},
		{"query.buildhub_table", c.Query.BuildhubTable},
	} {
		if strings.ContainsAny(tbl.v, "`;") {
			add(SeverityError, tbl.path, "must not contain backticks or semicolons")
		}
	}

	if c.Store.Kind != "" && !storeKinds[c.Store.Kind] {
		add(SeverityError, "store.kind", "unsupported store kind %q", c.Store.Kind)
	}

	if !metricBackends[c.Metrics.Backend] {
		add(SeverityError, "metrics.backend", "unsupported backend %q", c.Metrics.Backend)
	}
	if c.Metrics.Backend == "pushgateway" {
		if err := checkURL(c.Metrics.PushgatewayURL); err != nil {
			add(SeverityError, "metrics.pushgateway_url", "%v", err)
		}
	}
	return issues
}

func checkURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
