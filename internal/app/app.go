// Package app wires configuration, storage and services into a running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/PageBlocks/internal/billing"
	"github.com/router-for-me/PageBlocks/internal/bulk"
	"github.com/router-for-me/PageBlocks/internal/config"
	"github.com/router-for-me/PageBlocks/internal/db"
	"github.com/router-for-me/PageBlocks/internal/generation"
	internalhttp "github.com/router-for-me/PageBlocks/internal/http"
	"github.com/router-for-me/PageBlocks/internal/http/api/admin"
	adminhandlers "github.com/router-for-me/PageBlocks/internal/http/api/admin/handlers"
	"github.com/router-for-me/PageBlocks/internal/http/api/front"
	"github.com/router-for-me/PageBlocks/internal/llm"
	"github.com/router-for-me/PageBlocks/internal/media"
	"github.com/router-for-me/PageBlocks/internal/pages"
	"github.com/router-for-me/PageBlocks/internal/progress"
	"github.com/router-for-me/PageBlocks/internal/prompt"
	"github.com/router-for-me/PageBlocks/internal/queue"
	"github.com/router-for-me/PageBlocks/internal/settings"
	"github.com/router-for-me/PageBlocks/internal/usage"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	settingsRefreshSchedule = "@every 30s"
	cleanupSchedule         = "@daily"
	maintenanceSchedule     = "@every 10m"
	shutdownTimeout         = 15 * time.Second
)

// App holds every service built from one configuration.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Runtime   *config.Runtime
	Pages     *pages.Store
	Prompts   *prompt.Engine
	Media     *media.Matcher
	Tracker   *usage.Tracker
	Generator *generation.Service
	Progress  progress.Store
	Bulk      *bulk.Orchestrator
	Queue     *queue.Queue
	Processor *queue.Processor
	Scheduler *queue.Scheduler

	redis  redis.UniversalClient
	logger log.FieldLogger
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	return db.Migrate(conn.WithContext(ctx))
}

// Build opens storage, migrates it and constructs every service once.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	logger := log.StandardLogger()

	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		closeDB(conn)
		return nil, errMigrate
	}
	if errRefresh := settings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		closeDB(conn)
		return nil, errRefresh
	}

	a := &App{Config: cfg, DB: conn, logger: logger}
	a.Runtime = config.NewRuntime(cfg)
	a.Pages = pages.NewStore(conn, cfg.Pages.PostType)
	a.Prompts, err = prompt.NewEngine(conn)
	if err != nil {
		closeDB(conn)
		return nil, err
	}
	a.Media = media.NewMatcher(conn)
	a.Tracker = usage.NewTracker(conn, billing.NewPricer(conn, rateSource(a.Runtime)), a.Runtime, logger)

	client := llm.NewClient(llm.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Timeout: cfg.OpenAI.Timeout(),
	}, llm.WithLogger(logger))
	a.Generator = generation.NewService(generation.Deps{
		Prompts:  a.Prompts,
		LLM:      client,
		Costs:    a.Tracker,
		Images:   a.Media,
		Pages:    a.Pages,
		Settings: a.Runtime,
		Logger:   logger,
	})

	a.Progress, err = a.buildProgressStore(ctx)
	if err != nil {
		closeDB(conn)
		return nil, err
	}
	a.Bulk = bulk.NewOrchestrator(bulk.Deps{
		Generator: a.Generator,
		Pages:     a.Pages,
		Sink:      a.Pages,
		Progress:  a.Progress,
		Logger:    logger,
	})

	a.Queue = queue.New(conn, logger)
	a.Queue.SetRunReleaser(a.Progress)
	a.Processor = queue.NewProcessor(a.Queue, a.Bulk, queue.ProcessorOptions{MaxAttempts: cfg.Queue.MaxAttempts}, logger)
	a.Scheduler = queue.NewScheduler(a.Queue, a.Processor, queue.SchedulerOptions{
		ProcessSchedule: cfg.Queue.ProcessSchedule,
		BatchSize:       cfg.Queue.BatchSize,
		Tasks:           a.maintenanceTasks(),
	}, logger)

	a.Pages.OnDelete(func(ctx context.Context, postID uint64) error {
		_, errRemove := a.Queue.RemoveJob(ctx, postID)
		return errRemove
	})
	return a, nil
}

func (a *App) buildProgressStore(ctx context.Context) (progress.Store, error) {
	addr := strings.TrimSpace(a.Config.Redis.Addr)
	if addr == "" {
		return progress.NewMemoryStore(0, 0), nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{addr},
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	store := progress.NewRedisStore(client, "", 0)
	if errPing := store.Ping(ctx); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("app: connect redis %s: %w", addr, errPing)
	}
	a.redis = client
	log.WithField("addr", addr).Info("app: using redis progress store")
	return store, nil
}

func (a *App) maintenanceTasks() []queue.Task {
	tasks := []queue.Task{
		{
			Name: "settings-refresh",
			Spec: settingsRefreshSchedule,
			Run: func(ctx context.Context) error {
				return settings.RefreshDBConfigSnapshot(ctx, a.DB)
			},
		},
		{
			Name: "ledger-cleanup",
			Spec: cleanupSchedule,
			Run: func(ctx context.Context) error {
				_, errCleanup := a.Tracker.CleanupOldLogs(ctx, a.Runtime.LogRetentionDays())
				return errCleanup
			},
		},
		{
			Name: "queue-cleanup",
			Spec: cleanupSchedule,
			Run: func(ctx context.Context) error {
				_, errCleanup := a.Queue.CleanupOldJobs(ctx, a.Runtime.QueueRetentionDays())
				return errCleanup
			},
		},
		{
			Name: "requeue-stuck",
			Spec: maintenanceSchedule,
			Run: func(ctx context.Context) error {
				_, errRequeue := a.Queue.RequeueStuck(ctx, a.Config.Queue.StuckAfter)
				return errRequeue
			},
		},
	}
	if memory, ok := a.Progress.(*progress.MemoryStore); ok {
		tasks = append(tasks, queue.Task{
			Name: "progress-cleanup",
			Spec: maintenanceSchedule,
			Run: func(context.Context) error {
				memory.CleanupExpired()
				return nil
			},
		})
	}
	return tasks
}

// Router builds the HTTP surface over the app services.
func (a *App) Router() *gin.Engine {
	pingers := map[string]adminhandlers.Pinger{}
	if redisStore, ok := a.Progress.(*progress.RedisStore); ok {
		pingers["redis"] = redisStore
	}
	return internalhttp.NewRouter(internalhttp.RouterDeps{
		DB:        a.DB,
		JWTSecret: a.Config.JWT.Secret,
		Front: front.Deps{
			Generator: a.Generator,
			Bulk:      a.Bulk,
			Pages:     a.Pages,
			Queue:     a.Queue,
		},
		Admin: admin.Deps{
			Queue:            a.Queue,
			Processor:        a.Processor,
			Tracker:          a.Tracker,
			Prompts:          a.Prompts,
			StuckAfter:       a.Config.Queue.StuckAfter,
			LogRetentionDays: a.Runtime.LogRetentionDays,
		},
		Pingers: pingers,
		Logger:  a.logger,
	})
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		if sqlDB, errDB := a.DB.DB(); errDB == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	return errors.Join(errs...)
}

// RunServer serves HTTP and runs the scheduler until ctx is cancelled.
func RunServer(ctx context.Context, cfg *config.Config) error {
	a, err := Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := a.Close(); errClose != nil {
			log.WithError(errClose).Warn("app: close failed")
		}
	}()
	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		log.Warn("app: jwt.secret is empty; every /v0 request will be rejected")
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Infof("app: listening on %s", cfg.Server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return fmt.Errorf("app: serve http: %w", errServe)
		}
		return nil
	})
	group.Go(func() error {
		if errStart := a.Scheduler.Start(groupCtx); errStart != nil {
			return errStart
		}
		<-groupCtx.Done()
		a.Scheduler.Stop()
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
			return fmt.Errorf("app: shutdown http: %w", errShutdown)
		}
		return nil
	})
	return group.Wait()
}

func rateSource(runtime *config.Runtime) billing.RateSource {
	return func() map[string]billing.Rate {
		prices := runtime.Prices()
		out := make(map[string]billing.Rate, len(prices))
		for model, price := range prices {
			out[model] = billing.Rate{
				InputPerMillion:  decimal.NewFromFloat(price.Input),
				OutputPerMillion: decimal.NewFromFloat(price.Output),
			}
		}
		return out
	}
}

func closeDB(conn *gorm.DB) {
	if sqlDB, errDB := conn.DB(); errDB == nil {
		_ = sqlDB.Close()
	}
}
