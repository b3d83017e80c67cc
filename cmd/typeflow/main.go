// Command typeflow runs the workflow execution service: webhook ingress,
// queue worker, cron scheduler and the stores behind them.
//
// # Configuration
//
// Environment variables:
//
//	TYPEFLOW_HTTP_PORT       - HTTP listen port (default: "8080")
//	TYPEFLOW_DB_URI          - MongoDB connection URI (empty: in-memory stores)
//	TYPEFLOW_DB_NAME         - MongoDB database name (default: "typeflow")
//	TYPEFLOW_REDIS_ADDR      - Redis address for queue and rate limiting (empty: in-process)
//	TYPEFLOW_REDIS_PASSWORD  - Redis password (optional)
//	TYPEFLOW_ENCRYPTION_KEY  - 64 hex chars or 32 raw bytes; required for credentials
//	TYPEFLOW_PACKAGES_ROOT   - directory holding per-organization node_modules (default: "./packages")
//	ENABLE_WORKER_QUEUE      - "true" starts the queue worker (requires Redis)
//	WORKER_CONCURRENCY       - simultaneous jobs per worker (default: 5)
//
// # Example
//
//	TYPEFLOW_DB_URI=mongodb://localhost:27017 \
//	TYPEFLOW_REDIS_ADDR=localhost:6379 \
//	TYPEFLOW_ENCRYPTION_KEY=$(openssl rand -hex 32) \
//	ENABLE_WORKER_QUEUE=true ./typeflow
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	queuepulse "github.com/typeflow/typeflow/features/queue/pulse"
	ratelimitredis "github.com/typeflow/typeflow/features/ratelimit/redis"
	"github.com/typeflow/typeflow/features/store/inmem"
	storemongo "github.com/typeflow/typeflow/features/store/mongo"
	"github.com/typeflow/typeflow/runtime/credential"
	"github.com/typeflow/typeflow/runtime/debugger"
	"github.com/typeflow/typeflow/runtime/engine"
	"github.com/typeflow/typeflow/runtime/execution"
	"github.com/typeflow/typeflow/runtime/pkgmanifest"
	"github.com/typeflow/typeflow/runtime/sandbox"
	"github.com/typeflow/typeflow/runtime/schedule"
	"github.com/typeflow/typeflow/runtime/service"
	"github.com/typeflow/typeflow/runtime/telemetry"
	"github.com/typeflow/typeflow/runtime/webhook"
	"github.com/typeflow/typeflow/runtime/worker"
	"github.com/typeflow/typeflow/runtime/workflow"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := run(ctx); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		httpPort    = envOr("TYPEFLOW_HTTP_PORT", "8080")
		dbURI       = os.Getenv("TYPEFLOW_DB_URI")
		dbName      = envOr("TYPEFLOW_DB_NAME", "typeflow")
		redisAddr   = os.Getenv("TYPEFLOW_REDIS_ADDR")
		redisPass   = os.Getenv("TYPEFLOW_REDIS_PASSWORD")
		encKey      = os.Getenv("TYPEFLOW_ENCRYPTION_KEY")
		pkgRoot     = envOr("TYPEFLOW_PACKAGES_ROOT", "./packages")
		queueOn     = os.Getenv("ENABLE_WORKER_QUEUE") == "true"
		concurrency = envIntOr("WORKER_CONCURRENCY", worker.DefaultConcurrency)
	)

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Stores: MongoDB when configured, in-memory otherwise.
	var (
		workflows   workflow.Store
		executions  execution.Store
		webhooks    webhook.Store
		sessions    debugger.Store
		credentials credential.Store
		packages    pkgmanifest.Store
	)
	if dbURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := mongo.Connect(connectCtx, mongooptions.Client().ApplyURI(dbURI))
		cancel()
		if err != nil {
			return fmt.Errorf("connect to mongodb: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn(ctx, "disconnecting mongodb", "error", err.Error())
			}
		}()
		db, err := storemongo.New(storemongo.Options{Client: client, Database: dbName})
		if err != nil {
			return err
		}
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping mongodb: %w", err)
		}
		if workflows, err = storemongo.NewWorkflowStore(ctx, db); err != nil {
			return err
		}
		if executions, err = storemongo.NewExecutionStore(ctx, db); err != nil {
			return err
		}
		if webhooks, err = storemongo.NewWebhookStore(ctx, db); err != nil {
			return err
		}
		if sessions, err = storemongo.NewSessionStore(ctx, db); err != nil {
			return err
		}
		if credentials, err = storemongo.NewCredentialStore(ctx, db); err != nil {
			return err
		}
		if packages, err = storemongo.NewPackageStore(ctx, db); err != nil {
			return err
		}
		log.Printf(ctx, "using mongodb database %q", dbName)
	} else {
		workflows = inmem.NewWorkflowStore()
		executions = inmem.NewExecutionStore()
		webhooks = inmem.NewWebhookStore()
		sessions = inmem.NewSessionStore()
		credentials = inmem.NewCredentialStore()
		packages = inmem.NewPackageStore()
		log.Printf(ctx, "TYPEFLOW_DB_URI not set, using in-memory stores")
	}

	// Credential service; without a key, code nodes run without $credentials.
	var credSvc *credential.Service
	if encKey != "" {
		cipher, err := credential.NewCipher([]byte(encKey))
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		credSvc, err = credential.NewService(credential.ServiceOptions{
			Store:  credentials,
			Cipher: cipher,
		})
		if err != nil {
			return err
		}
	} else {
		log.Printf(ctx, "TYPEFLOW_ENCRYPTION_KEY not set, credentials disabled")
	}

	sb, err := sandbox.New(sandbox.Options{PackagesRoot: pkgRoot, Logger: logger})
	if err != nil {
		return err
	}

	executor, err := engine.NewExecutor(engine.Options{
		Workflows:   workflows,
		Executions:  executions,
		Sandbox:     sb,
		Credentials: credSvc,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	controller, err := debugger.NewController(debugger.Options{
		Executor:  executor,
		Sessions:  sessions,
		Workflows: workflows,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	pkgManager, err := pkgmanifest.NewManager(pkgmanifest.ManagerOptions{
		Store: packages,
		Root:  pkgRoot,
	})
	if err != nil {
		return err
	}

	// Redis backs the job queue and the shared rate limiter when configured.
	var (
		queue   *queuepulse.Queue
		limiter webhook.RateLimiter
	)
	if redisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: redisAddr, Password: redisPass})
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn(ctx, "closing redis", "error", err.Error())
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		if queue, err = queuepulse.New(queuepulse.Options{Redis: rdb, Logger: logger}); err != nil {
			return err
		}
		if limiter, err = ratelimitredis.New(rdb); err != nil {
			return err
		}
	}

	ingressOpts := webhook.IngressOptions{
		Webhooks:  webhooks,
		Workflows: workflows,
		Executor:  executor,
		Limiter:   limiter,
		Logger:    logger,
		Metrics:   metrics,
	}
	if queue != nil {
		ingressOpts.Queue = queue
	}
	ingress, err := webhook.NewIngress(ingressOpts)
	if err != nil {
		return err
	}

	scheduler, err := schedule.NewScheduler(schedule.Options{
		Workflows: workflows,
		Executor:  executor,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	errc := make(chan error, 2)

	if queueOn {
		if queue == nil {
			return errors.New("ENABLE_WORKER_QUEUE requires TYPEFLOW_REDIS_ADDR")
		}
		consumer, err := queue.NewConsumer(ctx, 2*concurrency)
		if err != nil {
			return err
		}
		w, err := worker.New(worker.Options{
			Executor:    executor,
			Consumer:    consumer,
			Concurrency: concurrency,
			Logger:      logger,
			Metrics:     metrics,
		})
		if err != nil {
			return err
		}
		go func() {
			log.Printf(ctx, "worker started (concurrency=%d)", concurrency)
			errc <- w.Run(ctx)
		}()
	}

	workflowsSvc, err := service.NewWorkflows(service.WorkflowsOptions{
		Store:     workflows,
		Scheduler: scheduler,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	executionsSvc, err := service.NewExecutions(service.ExecutionsOptions{
		Executor: executor,
		Store:    executions,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	debugSvc, err := service.NewDebug(service.DebugOptions{Controller: controller})
	if err != nil {
		return err
	}
	webhooksSvc, err := service.NewWebhooks(service.WebhooksOptions{Store: webhooks, Logger: logger})
	if err != nil {
		return err
	}
	packagesSvc, err := service.NewPackages(service.PackagesOptions{Manager: pkgManager})
	if err != nil {
		return err
	}
	apiHandler := &api{
		workflows:  workflowsSvc,
		executions: executionsSvc,
		debug:      debugSvc,
		webhooks:   webhooksSvc,
		packages:   packagesSvc,
		logger:     logger,
	}
	if credSvc != nil {
		credentialsSvc, err := service.NewCredentials(service.CredentialsOptions{Service: credSvc})
		if err != nil {
			return err
		}
		apiHandler.credentials = credentialsSvc
	}

	mux := chi.NewRouter()
	mux.Use(chimiddleware.RequestID)
	mux.Use(chimiddleware.Recoverer)
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Mount("/api/webhooks", ingress.Routes())
	mux.Mount("/api", apiHandler.routes())

	srv := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf(ctx, "http server listening on :%s", httpPort)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		log.Printf(ctx, "shutting down")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
