package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcpubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/api"
	"github.com/storefleet/storefleet/internal/archive"
	archivegcs "github.com/storefleet/storefleet/internal/archive/gcs"
	archivelocal "github.com/storefleet/storefleet/internal/archive/local"
	"github.com/storefleet/storefleet/internal/fleet"
	"github.com/storefleet/storefleet/internal/logging"
	pubmemory "github.com/storefleet/storefleet/internal/publisher/memory"
	pubgcp "github.com/storefleet/storefleet/internal/publisher/pubsub"
	"github.com/storefleet/storefleet/internal/sink"
)

// newSuperviseCmd creates the 'supervise' subcommand: the control-plane
// process owning the worker fleet.
func newSuperviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "supervise",
		Short: "Run the fleet supervisor",
		Long: `Loads the task backlog, spawns and supervises worker processes,
scales the fleet on the configured rule table, and serves fleet status over
HTTP. Runs until the backlog drains or a termination signal arrives.`,
		RunE: runSupervise,
	}
}

func runSupervise(cmd *cobra.Command, _ []string) error {
	logger := logging.L
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backlog, err := loadBacklog(viper.GetString("fleet.tasks_path"))
	if err != nil {
		return err
	}
	logger.Info("backlog loaded",
		zap.Int("assignments", len(backlog)),
		zap.String("path", viper.GetString("fleet.tasks_path")))

	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	launcher := &fleet.ExecLauncher{
		Bin:    bin,
		RunDir: viper.GetString("fleet.run_dir"),
		Logger: logger,
	}
	if cfgFile != "" {
		launcher.Args = []string{"--config", cfgFile}
	}

	strategy := fleet.NewRuleStrategy(fleet.RuleConfig{
		MinMemHeadroom: viper.GetFloat64("fleet.min_mem_headroom"),
		MinCPUHeadroom: viper.GetFloat64("fleet.min_cpu_headroom"),
		Cooldown:       viper.GetDuration("fleet.cooldown"),
	})

	pub, pubCleanup, err := buildPublisher(ctx, logger)
	if err != nil {
		return err
	}
	defer pubCleanup()

	sup, err := fleet.NewSupervisor(
		fleet.SupervisorConfig{
			MaxWorkers:      viper.GetInt("fleet.max_workers"),
			PollInterval:    viper.GetDuration("fleet.poll_interval"),
			Cooldown:        viper.GetDuration("fleet.cooldown"),
			StopGrace:       viper.GetDuration("fleet.stop_grace"),
			StallAfter:      viper.GetDuration("fleet.stall_after"),
			CrashLimit:      viper.GetInt("fleet.crash_limit"),
			CrashWindow:     viper.GetDuration("fleet.crash_window"),
			ProfileBase:     viper.GetString("session.profile_dir"),
			RunDir:          viper.GetString("fleet.run_dir"),
			StatusPath:      viper.GetString("fleet.status_path"),
			DecisionTimeout: viper.GetDuration("fleet.decision_timeout"),
			EventTopic:      viper.GetString("publisher.topic"),
		},
		fleet.NewMonitor(logger),
		strategy,
		launcher,
		pub,
		backlog,
		logger,
	)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	onDone, sinkCleanup, err := buildCompletionPipeline(ctx, logger)
	if err != nil {
		return err
	}
	defer sinkCleanup()
	sup.OnWorkerDone = onDone

	if viper.GetBool("api.enabled") {
		server := api.NewServer(sup, api.Config{
			Addr:   viper.GetString("api.listen_addr"),
			APIKey: viper.GetString("api.api_key"),
		}, logger)
		go func() {
			if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	err = sup.Wait()
	if err != nil {
		return fmt.Errorf("fleet run: %w", err)
	}
	logger.Info("fleet drained")
	return nil
}

// loadBacklog reads the assignment file: a JSON array of store assignments,
// each carrying the endpoint tasks for one worker process.
func loadBacklog(path string) ([]fleet.Assignment, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tasks file: %w", err)
	}
	var backlog []fleet.Assignment
	if err := json.Unmarshal(payload, &backlog); err != nil {
		return nil, fmt.Errorf("decode tasks file %s: %w", path, err)
	}
	for i := range backlog {
		a := &backlog[i]
		if a.StoreID == "" {
			return nil, fmt.Errorf("assignment %d: store_id is required", i)
		}
		if len(a.Tasks) == 0 {
			return nil, fmt.Errorf("assignment %d (%s): no tasks", i, a.StoreID)
		}
		for j := range a.Tasks {
			if a.Tasks[j].StoreID == "" {
				a.Tasks[j].StoreID = a.StoreID
			}
			if a.Tasks[j].Endpoint == "" {
				return nil, fmt.Errorf("assignment %d (%s): task %d has no endpoint", i, a.StoreID, j)
			}
		}
	}
	return backlog, nil
}

func buildPublisher(ctx context.Context, logger *zap.Logger) (fleet.Publisher, func(), error) {
	switch backend := viper.GetString("publisher.backend"); backend {
	case "", "none":
		return nil, func() {}, nil
	case "memory":
		return pubmemory.New(), func() {}, nil
	case "pubsub":
		project := viper.GetString("publisher.project")
		if project == "" {
			return nil, nil, fmt.Errorf("publisher.project is required for the pubsub backend")
		}
		client, err := gcpubsub.NewClient(ctx, project)
		if err != nil {
			return nil, nil, fmt.Errorf("create pubsub client: %w", err)
		}
		topic := client.Publisher(viper.GetString("publisher.topic"))
		cleanup := func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub client close failed", zap.Error(err))
			}
		}
		return pubgcp.New(topic), cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown publisher backend %q", backend)
	}
}

// buildCompletionPipeline assembles what happens to an output file after a
// clean worker exit: archive upload, then database load. Either stage may
// be disabled; with both off no hook is installed.
func buildCompletionPipeline(ctx context.Context, logger *zap.Logger) (func(fleet.WorkerRecord, fleet.Assignment), func(), error) {
	noop := func() {}

	archiver, archCleanup, err := buildArchiver(ctx, logger)
	if err != nil {
		return nil, nil, err
	}

	var loader *sink.Loader
	sinkCleanup := noop
	if dsn := viper.GetString("database.dsn"); dsn != "" {
		store, err := sink.NewPostgresStore(ctx, sink.PostgresConfig{
			DSN:   dsn,
			Table: viper.GetString("database.table"),
		})
		if err != nil {
			archCleanup()
			return nil, nil, fmt.Errorf("connect listing store: %w", err)
		}
		loader, err = sink.NewLoader(store, logger)
		if err != nil {
			store.Close()
			archCleanup()
			return nil, nil, err
		}
		sinkCleanup = store.Close
	}

	cleanup := func() {
		sinkCleanup()
		archCleanup()
	}
	if archiver == nil && loader == nil {
		return nil, cleanup, nil
	}

	hook := func(rec fleet.WorkerRecord, a fleet.Assignment) {
		doneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if archiver != nil {
			if _, err := archiver.ArchiveOutput(doneCtx, rec.StoreID, rec.OutputPath); err != nil {
				logger.Error("archive failed",
					zap.String("store", rec.StoreID), zap.Error(err))
			}
		}
		if loader != nil {
			if _, err := loader.LoadOutput(doneCtx, rec.OutputPath); err != nil {
				logger.Error("database load failed",
					zap.String("store", rec.StoreID), zap.Error(err))
			}
		}
	}
	return hook, cleanup, nil
}

func buildArchiver(ctx context.Context, logger *zap.Logger) (*archive.Archiver, func(), error) {
	noop := func() {}
	prefix := viper.GetString("archive.prefix")

	switch backend := viper.GetString("archive.backend"); backend {
	case "", "none":
		return nil, noop, nil
	case "local":
		store, err := archivelocal.New(archivelocal.Config{BaseDir: viper.GetString("archive.local_dir")})
		if err != nil {
			return nil, nil, fmt.Errorf("init local archive: %w", err)
		}
		archiver, err := archive.New(store, prefix, logger)
		if err != nil {
			return nil, nil, err
		}
		return archiver, noop, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		store, err := archivegcs.New(client, archivegcs.Config{Bucket: viper.GetString("archive.gcs_bucket")})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		archiver, err := archive.New(store, prefix, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		cleanup := func() {
			if err := client.Close(); err != nil {
				logger.Warn("storage client close failed", zap.Error(err))
			}
		}
		return archiver, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown archive backend %q", backend)
	}
}
