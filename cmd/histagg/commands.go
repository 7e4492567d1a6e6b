package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/api/option"

	"histagg/internal/config"
	"histagg/internal/logging"
	"histagg/internal/pipeline"
	"histagg/internal/schema"
	"histagg/internal/sqlgen"
	"histagg/internal/storage"
)

// globalOptions are the persistent flags of the root command.
type globalOptions struct {
	configPath string
	verbose    bool
}

// selectionOptions are the flags shared by generate and probes.
type selectionOptions struct {
	aggType      string
	processes    []string
	waitSeconds  int
	jsonOutput   bool
	schemaSource string
	schemaDSN    string
	schemaFile   string
	registryURL  string
	validate     bool
}

func newRootCmd(d *deps) *cobra.Command {
	g := &globalOptions{}
	o := &selectionOptions{}

	root := &cobra.Command{
		Use:   "histagg",
		Short: "Generate the clients-daily histogram aggregation query",
		Long: `histagg reads the main ping table schema and the probe-info registry and
writes a BigQuery query that sums each client's histograms per day.

Running histagg without a subcommand is the same as 'histagg generate'.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, args, d, g, o)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &pipeline.UsageError{Err: err}
	})
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file (HISTAGG_* env and flags override it)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Verbose logs")
	addSelectionFlags(root.Flags(), o)

	root.AddCommand(newGenerateCmd(d, g), newProbesCmd(d, g), newSnapshotCmd(d, g))
	return root
}

func newGenerateCmd(d *deps, g *globalOptions) *cobra.Command {
	o := &selectionOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write the aggregation query to stdout",
		Long: `Write the aggregation query for one histogram family to stdout.

Extra positional arguments after --processes are taken as more process names,
so '--processes parent content' works as well as '--processes parent,content'.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, args, d, g, o)
		},
	}
	addSelectionFlags(cmd.Flags(), o)
	return cmd
}

func newProbesCmd(d *deps, g *globalOptions) *cobra.Command {
	o := &selectionOptions{}
	cmd := &cobra.Command{
		Use:   "probes",
		Short: "Print the resolved probe set as JSON",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbes(cmd, args, d, g, o)
		},
	}
	addSelectionFlags(cmd.Flags(), o)
	return cmd
}

func addSelectionFlags(fs *pflag.FlagSet, o *selectionOptions) {
	fs.StringVar(&o.aggType, "agg-type", "", "One of histograms, keyed_histograms (required)")
	fs.StringSliceVar(&o.processes, "processes", nil, "Processes to include (parent, content, gpu); defaults to all")
	fs.IntVar(&o.waitSeconds, "wait-seconds", 0, "Delay before doing any work, in seconds")
	fs.BoolVar(&o.jsonOutput, "json-output", false, "Write the query as a JSON string literal")
	fs.StringVar(&o.schemaSource, "schema-source", "", fmt.Sprintf("Schema source %v", schema.SourceKinds()))
	fs.StringVar(&o.schemaDSN, "schema-dsn", "", "DSN of a snapshot store schema source")
	fs.StringVar(&o.schemaFile, "schema-file", "", "JSON schema file for the file source")
	fs.StringVar(&o.registryURL, "registry-url", "", "Probe-info registry URL")
	fs.BoolVar(&o.validate, "validate", false, "Validate the configuration and exit")
}

// apply overlays explicitly set flags onto cfg.
func (o *selectionOptions) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("schema-source") {
		cfg.Schema.Source = o.schemaSource
	}
	if fs.Changed("schema-dsn") {
		cfg.Schema.DSN = o.schemaDSN
	}
	if fs.Changed("schema-file") {
		cfg.Schema.File = o.schemaFile
	}
	if fs.Changed("registry-url") {
		cfg.Registry.URL = o.registryURL
	}
}

// request validates the selection. Positional args extend --processes.
func (o *selectionOptions) request(fs *pflag.FlagSet, args []string) (pipeline.Request, error) {
	if _, err := schema.ParseKind(o.aggType); err != nil {
		return pipeline.Request{}, &pipeline.UsageError{Err: err}
	}
	if o.waitSeconds < 0 {
		return pipeline.Request{}, &pipeline.UsageError{Err: fmt.Errorf("--wait-seconds must be >= 0, got %d", o.waitSeconds)}
	}

	var filter schema.ProcessFilter
	switch {
	case fs.Changed("processes"):
		filter = schema.NewProcessFilter(append(slices.Clone(o.processes), args...))
	case len(args) > 0:
		return pipeline.Request{}, &pipeline.UsageError{Err: fmt.Errorf("unexpected arguments %v", args)}
	}

	return pipeline.Request{
		AggType:   o.aggType,
		Processes: filter,
		Wait:      time.Duration(o.waitSeconds) * time.Second,
		JSON:      o.jsonOutput,
	}, nil
}

// session is the configured state shared by every subcommand run.
type session struct {
	cfg    config.Config
	log    zerolog.Logger
	runID  string
	closer func()
}

// open loads configuration, validates it, and starts logging and metrics.
// With validateOnly it stops after validation and returns a nil session.
func open(cmd *cobra.Command, d *deps, g *globalOptions, apply func(*config.Config), validateOnly bool, aggType string) (*session, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, &exitError{code: 2, err: err}
	}
	apply(&cfg)

	stderr := cmd.ErrOrStderr()
	issues := cfg.Validate()
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if config.HasErrors(issues) {
		return nil, &exitError{code: 2, err: fmt.Errorf("configuration is invalid")}
	}
	if validateOnly {
		fmt.Fprintln(stderr, "configuration is valid")
		return nil, nil
	}

	level := cfg.Log.Level
	if g.verbose {
		level = "debug"
	}
	runID := d.NewRunID()
	log := logging.NewWithRun(logging.Config{Level: level, Pretty: cfg.Log.Pretty, Output: stderr}, "histagg", runID)

	closer := installMetrics(cmd.Context(), d, metricsSetup{Config: cfg.Metrics, AggType: aggType, RunID: runID}, log)
	return &session{cfg: cfg, log: log, runID: runID, closer: closer}, nil
}

func (s *session) runner(ctx context.Context, d *deps) (*pipeline.Runner, error) {
	src, err := d.NewSource(ctx, sourceConfig(s.cfg.Schema))
	if err != nil {
		return nil, &exitError{code: 2, err: err}
	}
	return &pipeline.Runner{
		Schema:   src,
		Registry: d.NewFetcher(s.cfg.Registry.URL, s.cfg.Registry.Timeout),
		Tables:   sqlgen.Tables{Source: s.cfg.Query.SourceTable, Buildhub: s.cfg.Query.BuildhubTable},
		Logger:   s.log,
		Sleep:    d.Sleep,
	}, nil
}

func sourceConfig(c config.SchemaConfig) schema.SourceConfig {
	sc := schema.SourceConfig{
		Kind:    c.Source,
		Project: c.Project,
		Dataset: c.Dataset,
		Table:   c.Table,
		File:    c.File,
		DSN:     c.DSN,
	}
	if c.Endpoint != "" {
		sc.ClientOptions = append(sc.ClientOptions, option.WithEndpoint(c.Endpoint))
	}
	return sc
}

func runGenerate(cmd *cobra.Command, args []string, d *deps, g *globalOptions, o *selectionOptions) error {
	apply := func(c *config.Config) { o.apply(cmd.Flags(), c) }
	if o.validate {
		_, err := open(cmd, d, g, apply, true, "")
		return err
	}
	req, err := o.request(cmd.Flags(), args)
	if err != nil {
		return err
	}
	s, err := open(cmd, d, g, apply, false, req.AggType)
	if err != nil {
		return err
	}
	defer s.closer()

	r, err := s.runner(cmd.Context(), d)
	if err != nil {
		return err
	}
	start := time.Now()
	out, err := r.Generate(cmd.Context(), req)
	if err != nil {
		return err
	}
	if req.JSON {
		out += "\n"
	}
	if _, err := fmt.Fprint(cmd.OutOrStdout(), out); err != nil {
		return fmt.Errorf("write query: %w", err)
	}
	s.log.Info().Dur("elapsed", time.Since(start).Truncate(time.Millisecond)).Int("bytes", len(out)).Msg("query written")
	return nil
}

func runProbes(cmd *cobra.Command, args []string, d *deps, g *globalOptions, o *selectionOptions) error {
	apply := func(c *config.Config) { o.apply(cmd.Flags(), c) }
	if o.validate {
		_, err := open(cmd, d, g, apply, true, "")
		return err
	}
	req, err := o.request(cmd.Flags(), args)
	if err != nil {
		return err
	}
	s, err := open(cmd, d, g, apply, false, req.AggType)
	if err != nil {
		return err
	}
	defer s.closer()

	r, err := s.runner(cmd.Context(), d)
	if err != nil {
		return err
	}
	res, err := r.Resolve(cmd.Context(), req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write probes: %w", err)
	}
	return nil
}

func newSnapshotCmd(d *deps, g *globalOptions) *cobra.Command {
	var (
		schemaSource string
		schemaFile   string
		storeKind    string
		storeDSN     string
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Store the reference table schema in a SQL snapshot table",
		Long: fmt.Sprintf(`Read the reference table schema from any source and store its field paths
in the %s table of a SQL store. Later runs can use the store as their schema
source (--schema-source sqlite|postgres|mssql --schema-dsn DSN) and see the
same schema.`, storage.SnapshotTable),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			s, err := open(cmd, d, g, func(c *config.Config) {
				if fs.Changed("schema-source") {
					c.Schema.Source = schemaSource
				}
				if fs.Changed("schema-file") {
					c.Schema.File = schemaFile
				}
				if fs.Changed("store-kind") {
					c.Store.Kind = storeKind
				}
				if fs.Changed("store-dsn") {
					c.Store.DSN = storeDSN
				}
			}, false, "")
			if err != nil {
				return err
			}
			defer s.closer()
			return runSnapshot(cmd.Context(), cmd, d, s)
		},
	}
	cmd.Flags().StringVar(&schemaSource, "schema-source", "", "Schema source to read")
	cmd.Flags().StringVar(&schemaFile, "schema-file", "", "JSON schema file for the file source")
	cmd.Flags().StringVar(&storeKind, "store-kind", "", fmt.Sprintf("Snapshot store %v", storage.Kinds()))
	cmd.Flags().StringVar(&storeDSN, "store-dsn", "", "Snapshot store DSN")
	return cmd
}

func runSnapshot(ctx context.Context, cmd *cobra.Command, d *deps, s *session) error {
	if s.cfg.Store.DSN == "" {
		return &pipeline.UsageError{Err: fmt.Errorf("--store-dsn (or store.dsn) is required")}
	}
	sc := sourceConfig(s.cfg.Schema)
	ref := sc.Reference()
	if ref == "" {
		return &pipeline.UsageError{Err: fmt.Errorf("schema project/dataset/table are required")}
	}

	src, err := d.NewSource(ctx, sc)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	sch, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	repo, err := d.NewStore(ctx, storage.Config{Kind: s.cfg.Store.Kind, DSN: s.cfg.Store.DSN})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	n, err := schema.Snapshot(ctx, repo, ref, sch)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	s.log.Info().Str("reference", ref).Str("store", s.cfg.Store.Kind).Int64("rows", n).Msg("schema snapshot stored")
	fmt.Fprintf(cmd.OutOrStdout(), "%d field paths stored for %s\n", n, ref)
	return nil
}
