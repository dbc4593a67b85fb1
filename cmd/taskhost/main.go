package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/denisbrodbeck/machineid"
	echo "github.com/labstack/echo/v4"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/eddyengine/eddy/pkg/blob"
	"github.com/eddyengine/eddy/pkg/filecache"
	"github.com/eddyengine/eddy/pkg/libcache"
	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/taskexec"
	"github.com/eddyengine/eddy/pkg/utils"
)

var rootCmd = &cobra.Command{
	Use:   "taskhost",
	Short: "Eddy task execution host",
	Run: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			log.Fatal(err)
		}
		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}

		config, err := LoadConfig()
		if err != nil {
			log.Fatal(err)
		}

		hostID, err := machineid.ProtectedID("eddy-taskhost")
		if err != nil {
			log.Warn("Host identity unknown:", err)
			hostID = "unknown"
		}

		log.Info("Host configuration:")
		log.Infof("  Host ID: %s", hostID)
		log.Infof("  HTTP listen address: %s", config.HttpListen)
		log.Infof("  Work directory: %s", config.WorkDir)
		log.Infof("  Cancellation interval: %s", config.TaskCancellationInterval)
		log.Infof("  Cancellation timeout: %s", config.TaskCancellationTimeout)

		var fs afero.Fs
		if config.WorkDir != "" {
			if err := os.MkdirAll(config.WorkDir, 0755); err != nil {
				log.Fatal(err)
			}
			fs = afero.NewBasePathFs(afero.NewOsFs(), config.WorkDir)
		} else {
			fs = afero.NewMemMapFs()
		}

		if err := serve(config, fs); err != nil {
			log.Fatal(err)
		}
	},
}

func serve(config *HostConfig, fs afero.Fs) error {
	store, err := blob.NewStore(fs, "blobs")
	if err != nil {
		return err
	}

	// The sample operator ships with the host binary.
	if err := store.Put("operators/ticker", strings.NewReader("builtin")); err != nil {
		return err
	}

	registry := taskexec.NewRegistry()
	if err := registry.Register("ticker", newTickerOperator); err != nil {
		return err
	}

	executor := utils.NewExecutorPool()
	executor.Start()
	defer executor.Stop()

	actions := &hostActions{}

	services := &taskexec.Services{
		MemoryManager:       &noopMemoryManager{},
		LibraryCache:        libcache.New(registry, store),
		BlobService:         store,
		FileCache:           filecache.New(fs, "staging"),
		Network:             &loopbackNetwork{},
		EventDispatcher:     newLocalEventDispatcher(),
		StateChecker:        &localStateChecker{},
		TaskStateManager:    &localTaskStateManager{},
		CheckpointResponder: &localCheckpointResponder{},
		NodeActions:         actions,
		Executor:            executor,
		Fs:                  fs,
	}

	options := &taskexec.Options{
		CancellationInterval: config.TaskCancellationInterval,
		CancellationTimeout:  config.TaskCancellationTimeout,
		HaltOnOutOfMemory:    config.HaltOnOutOfMemory,
	}

	deployment := &taskexec.Deployment{
		JobID:            protocol.NewJobID(),
		JobVertexID:      protocol.NewJobVertexID(),
		ExecutionID:      protocol.NewExecutionID(),
		AllocationID:     protocol.NewAllocationID(),
		TaskName:         "Ticker",
		NumberOfSubtasks: 1,
		OperatorFactory:  "ticker",
		Artifacts:        []string{"operators/ticker"},
		ResultPartitions: []protocol.ResultPartitionDescriptor{
			{PartitionID: protocol.NewResultPartitionID(), DatasetID: "ticks"},
		},
	}

	task, err := taskexec.NewTask(deployment, services, options)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router := echo.New()
	router.HideBanner = true
	router.Use(HttpLogger)
	NewHttpHandler(func() []*taskexec.Task {
		return []*taskexec.Task{task}
	}, router)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("Serving HTTP on", config.HttpListen)
		return router.Start(config.HttpListen)
	})

	group.Go(func() error {
		<-ctx.Done()
		return router.Shutdown(context.Background())
	})

	group.Go(func() error {
		if err := task.Start(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			task.Cancel()
			<-task.Terminated()
		case <-task.Terminated():
		}
		return nil
	})

	err = group.Wait()
	if ctx.Err() != nil {
		// Normal termination on signal.
		return nil
	}
	return err
}

func main() {
	rootCmd.Flags().StringP("http", "l", ":8080", "HTTP status listen address")
	rootCmd.Flags().StringP("work-dir", "d", "", "Work directory for blobs and staged files")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("http_listen", rootCmd.Flags().Lookup("http"))
	viper.BindPFlag("work_dir", rootCmd.Flags().Lookup("work-dir"))
	viper.SetDefault("task_cancellation_interval", "30s")
	viper.SetDefault("task_cancellation_timeout", "180s")
	viper.SetDefault("halt_on_out_of_memory", "false")
	viper.SetEnvPrefix("eddy")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
