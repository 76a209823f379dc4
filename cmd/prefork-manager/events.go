package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cboxdk/prefork-manager/internal/config"
	"github.com/cboxdk/prefork-manager/internal/storage"
	"github.com/cboxdk/prefork-manager/internal/telemetry"
)

// eventTypeValue is a --type flag restricted to the known event types
type eventTypeValue telemetry.EventType

var _ pflag.Value = (*eventTypeValue)(nil)

func (v *eventTypeValue) String() string { return string(*v) }
func (v *eventTypeValue) Type() string   { return "type" }

func (v *eventTypeValue) Set(s string) error {
	t, err := telemetry.ParseEventType(s)
	if err != nil {
		return err
	}
	*v = eventTypeValue(t)
	return nil
}

type eventsOptions struct {
	configPath string
	group      string
	eventType  eventTypeValue
	severity   string
	since      time.Duration
	limit      int
	asJSON     bool
}

func newEventsCommand() *cobra.Command {
	opts := &eventsOptions{}
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recorded lifecycle events from the event journal",
		Example: `  prefork-manager events --config ./config.yaml
  prefork-manager events --config ./config.yaml --group web --type worker_lifecycle --since 1h
  prefork-manager events --config ./config.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return eventsCommand(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "configuration file path")
	flags.StringVarP(&opts.group, "group", "g", "", "only events of this group")
	flags.Var(&opts.eventType, "type", "only events of this type")
	flags.StringVar(&opts.severity, "severity", "", "only events of this severity: info, warning, error, critical")
	flags.DurationVar(&opts.since, "since", 0, "only events newer than this (e.g. 30m, 24h)")
	flags.IntVarP(&opts.limit, "limit", "n", config.DefaultEventQueryLimit, "maximum number of events")
	flags.BoolVar(&opts.asJSON, "json", false, "print events as JSON lines")
	return cmd
}

func eventsCommand(ctx context.Context, out io.Writer, opts *eventsOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if !cfg.Storage.Enabled {
		return fmt.Errorf("storage is disabled in the configuration")
	}
	if cfg.Storage.DatabasePath == ":memory:" {
		return fmt.Errorf("the event journal is in memory and cannot be read from another process")
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Stop(ctx)

	filter := telemetry.EventFilter{
		Group:    opts.group,
		Type:     telemetry.EventType(opts.eventType),
		Severity: telemetry.EventSeverity(opts.severity),
		Limit:    opts.limit,
	}
	if opts.since > 0 {
		filter.StartTime = time.Now().Add(-opts.since)
	}

	events, err := store.Events().GetEvents(ctx, filter)
	if err != nil {
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
		return nil
	}

	if len(events) == 0 {
		fmt.Fprintln(out, "No events recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSEVERITY\tTYPE\tGROUP\tSUMMARY")
	for _, ev := range events {
		group := ev.Group
		if group == "" {
			group = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format(time.DateTime), ev.Severity, ev.Type, group, ev.Summary)
	}
	return tw.Flush()
}
