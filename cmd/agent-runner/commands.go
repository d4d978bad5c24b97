package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-task-runner/internal/backend"
	"github.com/hochfrequenz/agent-task-runner/internal/config"
	"github.com/hochfrequenz/agent-task-runner/internal/domain"
	"github.com/hochfrequenz/agent-task-runner/internal/notify"
	"github.com/hochfrequenz/agent-task-runner/internal/requirements"
	"github.com/hochfrequenz/agent-task-runner/internal/runner"
	"github.com/hochfrequenz/agent-task-runner/internal/schedule"
	"github.com/hochfrequenz/agent-task-runner/internal/taskstore"
	"github.com/hochfrequenz/agent-task-runner/tui"
	"github.com/hochfrequenz/agent-task-runner/web/api"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon with the HTTP API",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Launch the terminal monitor against a local daemon's state",
		RunE:  runMonitor,
	}
	rootCmd.AddCommand(monitorCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show batch and task status from the persisted snapshot",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	listCmd := &cobra.Command{
		Use:   "requirements",
		Short: "List requirement artifacts on disk",
		RunE:  runListRequirements,
	}
	rootCmd.AddCommand(listCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer store.Close()

	client, err := backend.New(backend.Options{
		BaseURL: cfg.Backend.URL,
		APIKey:  cfg.Backend.APIKey,
		Timeout: time.Duration(cfg.Backend.Timeout) * time.Second,
	})
	if err != nil {
		return err
	}

	source := requirements.NewSource(cfg.General.RequirementsDir)

	var server *api.Server
	orch := runner.New(runner.Options{
		Submitter:    client,
		Status:       client,
		Requirements: source,
		Store:        store,
		Notifier:     buildNotifier(cfg),
		PollInterval: time.Duration(cfg.Polling.IntervalSeconds) * time.Second,
		PollAttempts: cfg.Polling.MaxAttempts,
		OnEvent: func(ev runner.Event) {
			if server != nil {
				server.Broadcast(api.SSEEvent{Type: string(ev.Kind), Data: ev})
			}
		},
	})
	defer orch.Shutdown()

	server = api.NewServer(orch, requirementLister{source}, fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port))

	if err := orch.Recover(); err != nil {
		return fmt.Errorf("recovering state: %w", err)
	}

	watcher, err := requirements.NewWatcher(source, func(removed []domain.TaskKey) {
		for _, key := range removed {
			orch.DropRequirement(key)
		}
	})
	if err != nil {
		return fmt.Errorf("starting requirements watcher: %w", err)
	}
	defer watcher.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("serving API on %s:%d", cfg.Web.Host, cfg.Web.Port)
		return server.Run(ctx)
	})

	if len(cfg.Schedules) > 0 {
		sched, err := schedule.NewScheduler(cfg.Schedules)
		if err != nil {
			return err
		}
		g.Go(func() error {
			sched.Start(func(batchID string) error {
				log.Printf("schedule: starting %s", batchID)
				return orch.StartBatch(batchID)
			})
			return nil
		})
		g.Go(func() error {
			// Feed batch completions back so cadences re-arm
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					sched.Stop()
					return nil
				case <-ticker.C:
					sched.CompleteFinished(func(batchID string) bool {
						b, ok := orch.Batch(batchID)
						return ok && b.Status == domain.BatchRunning
					})
				}
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// requirementLister adapts the artifact source to the API's listing shape
type requirementLister struct {
	source *requirements.Source
}

func (l requirementLister) List() ([]*api.RequirementInfo, error) {
	reqs, err := l.source.List()
	if err != nil {
		return nil, err
	}
	out := make([]*api.RequirementInfo, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, &api.RequirementInfo{
			Key:      r.Key.String(),
			Title:    r.Title,
			Priority: r.Priority,
		})
	}
	return out, nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer store.Close()

	source := requirements.NewSource(cfg.General.RequirementsDir)

	client, err := backend.New(backend.Options{
		BaseURL: cfg.Backend.URL,
		APIKey:  cfg.Backend.APIKey,
		Timeout: time.Duration(cfg.Backend.Timeout) * time.Second,
	})
	if err != nil {
		return err
	}

	orch := runner.New(runner.Options{
		Submitter:    client,
		Status:       client,
		Requirements: source,
		Store:        store,
		PollInterval: time.Duration(cfg.Polling.IntervalSeconds) * time.Second,
		PollAttempts: cfg.Polling.MaxAttempts,
	})
	defer orch.Shutdown()

	if err := orch.Recover(); err != nil {
		return fmt.Errorf("recovering state: %w", err)
	}

	p := tea.NewProgram(tui.NewModel(orch), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer store.Close()

	snap, err := store.Load()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tSTATUS\tQUEUED\tDONE\tFAILED")
	for _, b := range snap.Batches {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", b.ID, b.Status, len(b.TaskKeys), b.CompletedCount, b.FailedCount)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "TASK\tBATCH\tSTATUS\tERROR")
	for _, t := range snap.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Key, t.BatchID, t.Status, t.Error)
	}
	return w.Flush()
}

func runListRequirements(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source := requirements.NewSource(cfg.General.RequirementsDir)
	reqs, err := source.List()
	if err != nil {
		return err
	}
	if len(reqs) == 0 {
		fmt.Println("No requirement artifacts found in", cfg.General.RequirementsDir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tTITLE\tPRIORITY")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Key, r.Title, r.Priority)
	}
	return w.Flush()
}
