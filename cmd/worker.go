package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/extract"
	"github.com/storefleet/storefleet/internal/logging"
	"github.com/storefleet/storefleet/internal/paginate"
	"github.com/storefleet/storefleet/internal/session"
	"github.com/storefleet/storefleet/internal/worker"
)

// newWorkerCmd creates the 'worker' subcommand. The supervisor spawns this
// as a child process; the flags mirror what ExecLauncher passes.
func newWorkerCmd() *cobra.Command {
	var (
		workerID    string
		storeID     string
		tasksPath   string
		outputPath  string
		profilePath string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single scrape worker (spawned by the supervisor)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd, workerID, storeID, tasksPath, outputPath, profilePath)
		},
	}
	cmd.Flags().StringVar(&workerID, "worker-id", "", "unique worker identifier")
	cmd.Flags().StringVar(&storeID, "store", "", "store the task list belongs to")
	cmd.Flags().StringVar(&tasksPath, "tasks", "", "path to the JSON task list")
	cmd.Flags().StringVar(&outputPath, "output", "", "path to the store's output event file")
	cmd.Flags().StringVar(&profilePath, "profile", "", "browser profile directory")
	for _, name := range []string{"worker-id", "store", "tasks", "output", "profile"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runWorker(cmd *cobra.Command, workerID, storeID, tasksPath, outputPath, profilePath string) error {
	logger := logging.L.With(
		zap.String("worker_id", workerID),
		zap.String("store", storeID),
	)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tasks, err := loadTasks(tasksPath, storeID)
	if err != nil {
		return err
	}

	extractor, err := extract.NewCSS(extract.Rules{
		Item:    viper.GetString("extract.item"),
		Key:     viper.GetString("extract.key"),
		KeyAttr: viper.GetString("extract.key_attr"),
		Fields:  viper.GetStringMapString("extract.fields"),
	})
	if err != nil {
		return fmt.Errorf("extraction rules: %w", err)
	}

	runtime, err := worker.New(worker.Config{
		WorkerID:          workerID,
		StoreID:           storeID,
		Tasks:             tasks,
		OutputPath:        outputPath,
		ProfilePath:       profilePath,
		WarmupURL:         viper.GetString("session.warmup_url"),
		RestartEvery:      viper.GetInt("worker.restart_every"),
		HeartbeatInterval: viper.GetDuration("worker.heartbeat_interval"),
		Session: session.Config{
			Headless:   viper.GetBool("session.headless"),
			OpTimeout:  viper.GetDuration("session.op_timeout"),
			NavTimeout: viper.GetDuration("session.nav_timeout"),
		},
		Paginate: paginate.Config{
			FullPageSize: viper.GetInt("paginate.full_page_size"),
			PageTimeout:  viper.GetDuration("paginate.page_timeout"),
			PageDelay:    viper.GetDuration("paginate.page_delay"),
			MaxPages:     viper.GetInt("paginate.max_pages"),
		},
		BlockMarkers: viper.GetStringSlice("paginate.block_markers"),
	}, extractor, logger)
	if err != nil {
		return err
	}

	logger.Info("worker starting", zap.Int("tasks", len(tasks)))
	if err := runtime.Run(ctx); err != nil {
		return fmt.Errorf("worker run: %w", err)
	}
	logger.Info("worker finished")
	return nil
}

func loadTasks(path, storeID string) ([]paginate.Task, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	var tasks []paginate.Task
	if err := json.Unmarshal(payload, &tasks); err != nil {
		return nil, fmt.Errorf("decode task file %s: %w", path, err)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task file %s is empty", path)
	}
	for i := range tasks {
		if tasks[i].StoreID == "" {
			tasks[i].StoreID = storeID
		}
	}
	return tasks, nil
}
