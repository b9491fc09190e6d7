package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"

	"foodbridge/core/internal/api"
	"foodbridge/core/internal/cache"
	"foodbridge/core/internal/config"
	"foodbridge/core/internal/db"
	"foodbridge/core/internal/notify"
	"foodbridge/core/internal/services"
	"foodbridge/core/internal/storage"
	"foodbridge/core/internal/store"
	"foodbridge/core/internal/store/memstore"
	"foodbridge/core/internal/store/mongostore"
	"foodbridge/core/internal/tasks"
)

func main() {
	root := &cobra.Command{
		Use:           "foodbridge",
		Short:         "FoodBridge listing and request service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API",
			RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd.Context(), "serve") },
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run the background task worker",
			RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd.Context(), "worker") },
		},
		&cobra.Command{
			Use:   "all",
			Short: "Run the HTTP API and the worker in one process",
			RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd.Context(), "all") },
		},
		&cobra.Command{
			Use:   "repair",
			Short: "Reconcile accepted requests with their listings once and exit",
			RunE:  func(cmd *cobra.Command, _ []string) error { return repair(cmd.Context()) },
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Printf("CRITICAL: %v", err)
		os.Exit(1)
	}
}

// app holds the process-wide connections and services.
type app struct {
	cfg         *config.Config
	mongoClient *mongo.Client
	rdb         *redis.Client
	taskClient  *asynq.Client
	blobs       storage.IS3Storage
	scheduler   *tasks.Scheduler
	svc         api.Services
}

// bootstrap connects the backends named by the configuration. Redis and S3 are
// optional unless requireRedis is set.
func bootstrap(ctx context.Context, runMode string, requireRedis bool) (*app, error) {
	cfg, err := config.Load(runMode)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	a := &app{cfg: cfg}

	a.rdb, err = cache.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		if requireRedis {
			return nil, err
		}
		log.Printf("WARN: running without Redis (no name cache, task queue or inbox): %v", err)
		a.rdb = nil
	}

	var bus store.Bus = store.NewHub()
	if a.rdb != nil {
		bus = cache.NewRedisBus(a.rdb)
	}

	var st store.Store
	switch cfg.StoreBackend {
	case "mongo":
		client, database, err := db.ConnectDB(cfg.MongoURI, cfg.MongoDbName, cfg.StoreTimeout)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.mongoClient = client
		ms := mongostore.New(database, bus, cfg.StoreTimeout)
		if err := ms.EnsureIndexes(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to ensure indexes: %w", err)
		}
		st = ms
	default:
		log.Println("Using the in-memory store; data is lost on exit.")
		st = memstore.New()
	}

	if cfg.AwsS3Bucket != "" {
		a.blobs, err = storage.NewS3Storage(ctx, cfg)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
	} else {
		log.Println("AWS_S3_BUCKET not set: image uploads are disabled.")
	}

	deps := services.Deps{Store: st, Hook: notify.LogHook{}}
	if a.blobs != nil {
		deps.Blobs = a.blobs
	}
	if a.rdb != nil {
		a.taskClient = tasks.NewClient(a.rdb)
		a.scheduler = tasks.NewScheduler(a.taskClient)
		deps.Hook = tasks.NewNotificationHook(a.taskClient)
		deps.Scheduler = a.scheduler
		deps.Names = cache.NewUserNameCache(a.rdb, cfg.UserNameCacheTTL)
	}

	a.svc = api.Services{
		Listings: services.NewListingService(deps, cfg),
		Requests: services.NewRequestService(deps, cfg),
		Users:    services.NewUserService(deps, cfg),
		Ratings:  services.NewRatingService(deps, cfg),
		Chat:     services.NewChatService(deps, cfg),
	}
	if a.blobs != nil && a.scheduler != nil {
		a.svc.Uploader = a.blobs
		a.svc.ImageQueue = a.scheduler
	}
	if a.rdb != nil {
		rdb := a.rdb
		a.svc.Inbox = func(ctx context.Context, userID string, limit int) ([]notify.Notification, error) {
			return notify.Inbox(ctx, rdb, userID, limit)
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.taskClient != nil {
		if err := a.taskClient.Close(); err != nil {
			log.Printf("Error closing task client: %v", err)
		}
	}
	if a.mongoClient != nil {
		if err := db.DisconnectDB(a.mongoClient); err != nil {
			log.Printf("Error disconnecting from MongoDB: %v", err)
		}
	}
	if err := cache.DisconnectRedis(a.rdb); err != nil {
		log.Printf("Error disconnecting from Redis: %v", err)
	}
}

func run(ctx context.Context, mode string) error {
	withWorker := mode == "worker" || mode == "all"
	a, err := bootstrap(ctx, mode, withWorker)
	if err != nil {
		return err
	}
	defer a.close()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	var apiSrv *http.Server
	if mode == "serve" || mode == "all" {
		apiSrv = &http.Server{
			Addr:    ":" + a.cfg.ApiPort,
			Handler: api.SetupRouter(ctx, a.cfg, a.svc),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("Main API listening on :%s", a.cfg.ApiPort)
			if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("main API ListenAndServe error: %w", err)
			}
			log.Println("Main API server stopped.")
		}()
	}

	var taskSrv *asynq.Server
	var periodic *asynq.Scheduler
	if withWorker {
		sender := notify.NewCompositeSender(notify.NewRedisSender(a.rdb), notify.NewLoggingSender())
		if path := os.Getenv("LOG_NOTIFICATIONS"); path != "" {
			fileSender, err := notify.NewFileSender(path)
			if err != nil {
				log.Printf("WARN: failed to initialize notification file log (LOG_NOTIFICATIONS='%s'): %v", path, err)
			} else {
				sender.AddSender(fileSender)
			}
		}
		processor := tasks.NewTaskProcessor(a.cfg, sender, a.svc.Listings, a.svc.Requests, a.blobSource())

		periodic, err = tasks.NewPeriodicScheduler(a.rdb, a.cfg.RepairSweepInterval)
		if err != nil {
			return err
		}

		var mux *asynq.ServeMux
		taskSrv, mux = tasks.SetupServer(a.rdb, processor)
		log.Println("Background task server starting...")
		if err := taskSrv.Start(mux); err != nil {
			return fmt.Errorf("background task server error: %w", err)
		}
		if err := periodic.Start(); err != nil {
			taskSrv.Shutdown()
			return fmt.Errorf("failed to start repair sweep: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		log.Println("Shutting down gracefully...")
	case err := <-errCh:
		log.Printf("CRITICAL: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if apiSrv != nil {
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Main API server shutdown error: %v", err)
		}
	}
	if periodic != nil {
		periodic.Shutdown()
	}
	if taskSrv != nil {
		taskSrv.Shutdown()
	}
	wg.Wait()
	log.Println("Server gracefully stopped")
	return nil
}

// blobSource keeps a nil interface when S3 is not configured.
func (a *app) blobSource() tasks.BlobSource {
	if a.blobs == nil {
		return nil
	}
	return a.blobs
}

func repair(ctx context.Context) error {
	a, err := bootstrap(ctx, "repair", false)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.svc.Requests.RepairAcceptedRequests(ctx)
	if err != nil {
		return fmt.Errorf("repair failed after fixing %d requests: %w", n, err)
	}
	log.Printf("Repair complete: %d requests fixed", n)
	return nil
}
