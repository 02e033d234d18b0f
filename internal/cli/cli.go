package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignatij/crewflow/internal/archive"
	"github.com/ignatij/crewflow/internal/config"
	internal_http "github.com/ignatij/crewflow/internal/http"
	"github.com/ignatij/crewflow/internal/log"
	"github.com/ignatij/crewflow/internal/queue"
	internal_storage "github.com/ignatij/crewflow/internal/storage"
	"github.com/ignatij/crewflow/pkg/models"
	"github.com/ignatij/crewflow/pkg/service"
	"github.com/ignatij/crewflow/pkg/supervisor"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides DB_* settings)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.HTTPPort = port
			}
			store := initStore(cfg)
			defer store.Close()
			q := queue.NewRedisQueue(cfg.Queue.RedisAddr, cfg.Queue.Key)
			defer q.Close()
			arch := initArchive(cfg)

			srv := internal_http.NewServer(newExecutionService(cfg, store, arch), q, arch, log.GetLogger())
			ctx, stop := signalContext()
			defer stop()
			go func() {
				<-ctx.Done()
				if err := srv.Shutdown(); err != nil {
					log.GetLogger().Errorf("Failed to shut down server: %v", err)
				}
			}()
			if err := srv.Listen(cfg.HTTPPort); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "", "HTTP port (overrides HTTP_PORT)")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume execution jobs from the queue",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
				cfg.Worker.Concurrency = n
			}
			store := initStore(cfg)
			defer store.Close()
			q := queue.NewRedisQueue(cfg.Queue.RedisAddr, cfg.Queue.Key)
			defer q.Close()

			ctx, stop := signalContext()
			defer stop()
			if err := q.Ping(ctx); err != nil {
				log.GetLogger().Errorf("Failed to connect to Redis at %s: %v", cfg.Queue.RedisAddr, err)
				os.Exit(1)
			}

			svc := newExecutionService(cfg, store, initArchive(cfg))
			// Running jobs are not tied to the signal; Stop waits for them.
			pool := service.NewWorkerPool(context.Background(), svc, service.PoolConfig{
				MaxAttempts:    cfg.Job.MaxAttempts,
				Backoff:        cfg.Job.Backoff,
				AttemptTimeout: cfg.Job.AttemptTimeout,
			}, log.GetLogger())
			pool.Start(cfg.Worker.Concurrency)
			log.GetLogger().Infof("Worker started with %d workers on queue %s", cfg.Worker.Concurrency, cfg.Queue.Key)

			err := pool.Consume(ctx, q)
			log.GetLogger().Infof("Waiting for running executions to finish")
			pool.Stop()
			if err != nil {
				log.GetLogger().Errorf("Worker stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	workerCmd.Flags().Int("concurrency", 0, "Number of executions run at once (overrides WORKER_CONCURRENCY)")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a queued execution of a crew",
		Run: func(cmd *cobra.Command, args []string) {
			tenantID, _ := cmd.Flags().GetString("tenant")
			crewID, _ := cmd.Flags().GetString("crew")
			rawInputs, _ := cmd.Flags().GetString("inputs")
			enqueue, _ := cmd.Flags().GetBool("enqueue")
			useMock, _ := cmd.Flags().GetBool("mock")
			if tenantID == "" || crewID == "" {
				fmt.Fprintln(os.Stderr, "Error: --tenant and --crew are required")
				os.Exit(1)
			}
			inputs, err := parseInputs(rawInputs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			cfg := loadConfig(cmd)
			store := initStore(cfg)
			defer store.Close()
			svc := newExecutionService(cfg, store, archive.Noop{})
			exec, err := svc.CreateExecution(cmd.Context(), tenantID, crewID, inputs)
			if err != nil {
				exitOn("create execution", err)
			}
			fmt.Fprintf(os.Stdout, "Created execution %s\n", exec.ID)
			if enqueue {
				enqueueJob(cmd.Context(), cfg, models.Job{ExecutionID: exec.ID, UseMock: useMock})
			}
		},
	}
	createCmd.Flags().String("tenant", "", "Tenant ID")
	createCmd.Flags().String("crew", "", "Crew ID")
	createCmd.Flags().String("inputs", "", "Input variables as a JSON object")
	createCmd.Flags().Bool("enqueue", false, "Queue the execution right away")
	createCmd.Flags().Bool("mock", false, "Run with the mock backend")

	enqueueCmd := &cobra.Command{
		Use:   "enqueue [execution-id]",
		Short: "Queue a job for a queued execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			useMock, _ := cmd.Flags().GetBool("mock")
			cfg := loadConfig(cmd)
			enqueueJob(cmd.Context(), cfg, models.Job{ExecutionID: args[0], UseMock: useMock})
		},
	}
	enqueueCmd.Flags().Bool("mock", false, "Run with the mock backend")

	runCmd := &cobra.Command{
		Use:   "run [execution-id]",
		Short: "Run a queued execution in this process",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			useMock, _ := cmd.Flags().GetBool("mock")
			cfg := loadConfig(cmd)
			store := initStore(cfg)
			defer store.Close()
			svc := newExecutionService(cfg, store, initArchive(cfg))

			ctx, stop := signalContext()
			defer stop()
			runErr := svc.Execute(ctx, args[0], useMock)
			exec, err := svc.GetExecution(ctx, args[0])
			if err != nil {
				exitOn("load execution", err)
			}
			printExecution(exec)
			if runErr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", runErr, service.KindOf(runErr))
				os.Exit(1)
			}
		},
	}
	runCmd.Flags().Bool("mock", false, "Run with the mock backend")

	statusCmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg)
			defer store.Close()
			exec, err := newExecutionService(cfg, store, archive.Noop{}).GetExecution(cmd.Context(), args[0])
			if err != nil {
				exitOn("load execution", err)
			}
			printExecution(exec)
		},
	}

	logsCmd := &cobra.Command{
		Use:   "logs [execution-id]",
		Short: "Print the log of an execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd)
			store := initStore(cfg)
			defer store.Close()
			logs, err := newExecutionService(cfg, store, archive.Noop{}).ListLogs(cmd.Context(), args[0])
			if err != nil {
				exitOn("list logs", err)
			}
			if len(logs) == 0 {
				fmt.Fprintf(os.Stdout, "No log entries.\n")
				return
			}
			for _, l := range logs {
				fmt.Fprintln(os.Stdout, formatLog(l))
			}
		},
	}

	rootCmd.AddCommand(serveCmd, workerCmd, createCmd, enqueueCmd, runCmd, statusCmd, logsCmd)
}

func loadConfig(cmd *cobra.Command) config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		log.GetLogger().Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Database.URL = db
	}
	return cfg
}

func initStore(cfg config.Config) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(cfg.Database.ConnString())
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func initArchive(cfg config.Config) archive.Archive {
	location := cfg.Archive.Path
	if cfg.Archive.Type == "s3" {
		location = cfg.Archive.Bucket
	}
	arch, err := archive.New(context.Background(), cfg.Archive.Type, location)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize archive: %v", err)
		os.Exit(1)
	}
	return arch
}

func newExecutionService(cfg config.Config, store *internal_storage.PostgresStore, arch archive.Archive) *service.ExecutionService {
	logger := log.GetLogger()
	sup := supervisor.New(supervisor.Config{
		Executable: cfg.Worker.Executable,
		Script:     cfg.Worker.Script,
		Dir:        cfg.Worker.Dir,
		Timeout:    cfg.Worker.Timeout,
	}, logger)
	backend := service.NewSubprocessBackend(sup, service.SubprocessConfig{
		APIKey:       cfg.Worker.APIKey,
		DefaultModel: cfg.Worker.DefaultModel,
		Archive:      arch,
	}, logger)
	mock := service.NewMockBackend(cfg.Worker.DefaultModel, cfg.MockStepDelay, logger)
	return service.NewExecutionService(store, backend, mock, logger)
}

func enqueueJob(ctx context.Context, cfg config.Config, job models.Job) {
	q := queue.NewRedisQueue(cfg.Queue.RedisAddr, cfg.Queue.Key)
	defer q.Close()
	if err := q.Enqueue(ctx, job); err != nil {
		exitOn("enqueue execution", err)
	}
	fmt.Fprintf(os.Stdout, "Queued execution %s (mock=%t)\n", job.ExecutionID, job.UseMock)
}

// parseInputs decodes the --inputs flag. An empty flag means no inputs.
func parseInputs(raw string) (models.JSONMap, error) {
	inputs := models.JSONMap{}
	if raw == "" {
		return inputs, nil
	}
	if err := json.Unmarshal([]byte(raw), &inputs); err != nil {
		return nil, errors.Wrap(err, "--inputs must be a JSON object")
	}
	if inputs == nil {
		inputs = models.JSONMap{}
	}
	return inputs, nil
}

func formatLog(l models.ExecutionLog) string {
	line := fmt.Sprintf("%s [%s] %s", l.LoggedAt.Format(time.RFC3339), l.Level, l.Message)
	if l.TokensUsed > 0 {
		line += fmt.Sprintf(" (%d tokens)", l.TokensUsed)
	}
	return line
}

func printExecution(e models.Execution) {
	fmt.Fprintf(os.Stdout, "Execution: %s\n", e.ID)
	fmt.Fprintf(os.Stdout, "Status:    %s (%d%%)\n", e.Status, e.Progress)
	if e.StartedAt != nil {
		fmt.Fprintf(os.Stdout, "Duration:  %s\n", e.Duration(time.Now()).Round(time.Millisecond))
	}
	switch e.Status {
	case models.CompletedExecutionStatus:
		fmt.Fprintf(os.Stdout, "Tokens:    %d\n", e.TotalTokensUsed)
		fmt.Fprintf(os.Stdout, "Cost:      $%.4f\n", e.Cost)
		if out, ok := e.Results["final_output"].(string); ok {
			fmt.Fprintf(os.Stdout, "\n%s\n", out)
		}
	case models.FailedExecutionStatus:
		fmt.Fprintf(os.Stdout, "Error:     %s\n", e.ErrorMessage)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func exitOn(op string, err error) {
	log.GetLogger().Errorf("Failed to %s: %v", op, err)
	fmt.Fprintf(os.Stderr, "Error: failed to %s: %v\n", op, err)
	os.Exit(1)
}
