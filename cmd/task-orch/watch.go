package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/task-orchestrator/internal/eventclient"
	"github.com/hochfrequenz/task-orchestrator/internal/events"
	"github.com/hochfrequenz/task-orchestrator/internal/logging"
)

var (
	watchURL  string
	watchLogs bool
)

func init() {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the event stream of a running server",
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&watchURL, "url", "", "event stream URL (defaults to the configured server)")
	watchCmd.Flags().BoolVar(&watchLogs, "logs", false, "also print execution log lines")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url := watchURL
	if url == "" {
		host := cfg.Web.Host
		if host == "" || host == "0.0.0.0" {
			host = "localhost"
		}
		url = fmt.Sprintf("http://%s:%d/api/events", host, cfg.Web.Port)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := eventclient.New(eventclient.Config{
		URL:            url,
		Token:          cfg.Web.AuthToken,
		ReconnectDelay: cfg.Events.ReconnectDelay.Duration,
		MaxRetries:     cfg.Events.MaxRetries,
	}, logging.New(cfg.Log.Level, cfg.Log.Format))

	p := &printer{out: os.Stdout, logs: watchLogs}
	conn.OnEvent(func(ev events.Event) { events.Dispatch(ev, p) })
	conn.OnState(func(s eventclient.State) {
		fmt.Fprintf(os.Stderr, "[%s]\n", s)
	})

	if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// printer writes one line per event
type printer struct {
	out  io.Writer
	logs bool
}

func (p *printer) HandleConnected(e events.Connected) {
	fmt.Fprintf(p.out, "connected as %s\n", e.ClientID)
}

func (p *printer) HandleTask(e events.TaskEvent) {
	if e.Task == nil {
		fmt.Fprintf(p.out, "%-22s %s\n", e.Type(), shortID(e.ID))
		return
	}
	fmt.Fprintf(p.out, "%-22s %s %s %q\n", e.Type(), shortID(e.ID), e.Task.Status, truncate(e.Task.Title, 50))
}

func (p *printer) HandleLabel(e events.LabelEvent) {
	fmt.Fprintf(p.out, "%-22s %s\n", e.Type(), e.ID)
}

func (p *printer) HandleSettings(e events.SettingsUpdated) {
	s := e.Settings
	fmt.Fprintf(p.out, "%-22s parallel=%d batch=%d\n", e.Type(), s.ParallelLimit, s.MaxBatchSize)
}

func (p *printer) HandleTeam(e events.TeamEvent) {}
func (p *printer) HandleProject(e events.ProjectEvent) {}

func (p *printer) HandleProgress(e events.ExecutionProgress) {
	line := fmt.Sprintf("%-22s %s %-12s %s", e.Type(), shortID(e.TaskID), e.Status, e.Message)
	if e.PRURL != "" {
		line += " " + e.PRURL
	}
	fmt.Fprintln(p.out, line)
}

func (p *printer) HandleLog(e events.ExecutionLog) {
	if !p.logs {
		return
	}
	fmt.Fprintf(p.out, "  %s | %s\n", shortID(e.TaskID), strings.TrimRight(e.Entry.Message, "\n"))
}

func (p *printer) HandleBatch(e events.BatchEvent) {
	line := fmt.Sprintf("%-22s %s", e.Type(), shortID(e.BatchID))
	if e.TaskID != "" {
		line += " task " + shortID(e.TaskID)
	}
	if e.Counts != nil {
		line += fmt.Sprintf(" [%d/%d done, %d failed]", e.Counts.Completed, e.Counts.Total, e.Counts.Failed)
	}
	if e.Message != "" {
		line += " " + e.Message
	}
	if e.PRURL != "" {
		line += " " + e.PRURL
	}
	fmt.Fprintln(p.out, line)
}
