package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/logging"
	"github.com/hochfrequenz/task-orchestrator/internal/metasync"
	"github.com/hochfrequenz/task-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/task-orchestrator/internal/tracker"
)

var (
	listStatus     string
	listBatch      string
	pruneOlderThan time.Duration
)

func init() {
	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (todo, in_progress, done, cancelled)")
	listCmd.Flags().StringVar(&listBatch, "batch", "", "filter by batch ID")
	rootCmd.AddCommand(listCmd)

	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs TASK",
		Short: "Show the execution history of a task",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuns,
	}
	rootCmd.AddCommand(runsCmd)

	// validate-sync command
	validateCmd := &cobra.Command{
		Use:   "validate-sync FILE",
		Short: "Check an execution metadata sync payload without applying it",
		Long:  "Reads a sync payload from FILE, or stdin when FILE is -, and reports every field the server would reject.",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidateSync,
	}
	rootCmd.AddCommand(validateCmd)

	// prune command
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs older than a cutoff",
		RunE:  runPrune,
	}
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "age cutoff (defaults to retention.keep)")
	rootCmd.AddCommand(pruneCmd)

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

func openStore() (*taskstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return taskstore.New(cfg.General.DatabasePath)
}

func runList(cmd *cobra.Command, args []string) error {
	status := domain.TaskStatus(listStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", listStatus)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(taskstore.ListOptions{Status: status, BatchID: listBatch})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tTITLE\tPR\tUPDATED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(t.ID), t.Status, t.Priority, truncate(t.Title, 50), t.PRURL, humanize.Time(t.UpdatedAt))
	}
	return w.Flush()
}

func runRuns(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	task, err := store.GetTask(args[0])
	if err != nil {
		return err
	}
	runs, err := store.ListRuns(task.ID)
	if err != nil {
		return err
	}
	fmt.Printf("%s  %s\n\n", task.ID, task.Title)
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tDURATION\tFILES\tRESULT")
	for _, r := range runs {
		started := "-"
		if r.StartedAt != nil {
			started = humanize.Time(*r.StartedAt)
		}
		result := r.PRURL
		if r.Status == domain.RunFailed {
			result = fmt.Sprintf("[%s] %s", r.ErrorCategory, truncate(r.ErrorMessage, 60))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			shortID(r.ID), r.Status, started, time.Duration(r.DurationMs)*time.Millisecond, r.FilesChanged, result)
	}
	return w.Flush()
}

func runValidateSync(cmd *cobra.Command, args []string) error {
	var (
		raw []byte
		err error
	)
	if args[0] == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	m, err := metasync.Admit(raw)
	if err != nil {
		var rej *metasync.Rejection
		if errors.As(err, &rej) {
			fmt.Printf("rejected (%s): %s\n", rej.Code, rej.Message)
			for _, d := range rej.Details {
				fmt.Printf("  %s: %s\n", d.Field, d.Message)
			}
		}
		return err
	}
	fmt.Printf("ok: run %s of task %s\n", m.RunID, m.TaskID)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keep := pruneOlderThan
	if keep == 0 {
		keep = cfg.Retention.Keep.Duration
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	retention, err := tracker.NewRetention(store, cfg.Retention.Schedule, keep, logging.New(cfg.Log.Level, cfg.Log.Format))
	if err != nil {
		return err
	}
	n, err := retention.Sweep()
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %s runs older than %s\n", humanize.Comma(n), humanize.Time(time.Now().Add(-keep)))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
