package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmoworks/prism-backend/internal/db"
	"github.com/atmoworks/prism-backend/internal/handlers"
	"github.com/atmoworks/prism-backend/internal/jobs/reaper"
	"github.com/atmoworks/prism-backend/internal/logger"
	"github.com/atmoworks/prism-backend/internal/middleware"
	"github.com/atmoworks/prism-backend/internal/repos"
	"github.com/atmoworks/prism-backend/internal/server"
	"github.com/atmoworks/prism-backend/internal/services"
	"github.com/atmoworks/prism-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Env
	log.Info("Loading environment variables from main...")
	urlRoot := utils.GetEnv("PUBLIC_URL_ROOT", "", log)
	allowedOrigins := utils.GetEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000", log)
	port := utils.GetEnv("PORT", "8080", log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	jobRepo := repos.NewJobRepo(thePG, log)
	userWorkRepo := repos.NewUserWorkRepo(thePG, log)
	workflowStepRepo := repos.NewWorkflowStepRepo(thePG, log)
	workItemRepo := repos.NewWorkItemRepo(thePG, log)

	// Fairness counters are derived state; rebuild them on boot so a
	// crashed process never leaves them stale.
	if err := userWorkRepo.PopulateFromWorkItems(context.Background(), nil); err != nil {
		log.Error("Could not rebuild user work table", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	jobService := services.NewJobService(thePG, log, jobRepo, userWorkRepo, workflowStepRepo, workItemRepo)
	dispatcher := services.NewDispatcher(thePG, log, jobRepo, userWorkRepo, workItemRepo)

	// Handlers
	log.Info("Setting up handlers from main...")
	healthHandler := handlers.NewHealthHandler(thePG)
	jobsHandler := handlers.NewJobsHandler(jobService, urlRoot)
	workHandler := handlers.NewWorkHandler(dispatcher, jobService)
	providersHandler := handlers.NewProvidersHandler(thePG, log, jobRepo, jobService)

	// Middleware
	identityMiddleware := middleware.NewIdentityMiddleware(log)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		HealthHandler:      healthHandler,
		JobsHandler:        jobsHandler,
		WorkHandler:        workHandler,
		ProvidersHandler:   providersHandler,
		IdentityMiddleware: identityMiddleware,
		AllowedOrigins:     strings.Split(allowedOrigins, ","),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Reaper
	workReaper := reaper.New(thePG, log, workflowStepRepo, workItemRepo, userWorkRepo)
	workReaper.Start(rootCtx)
	defer workReaper.Stop()

	srv := &http.Server{Addr: ":" + port, Handler: router}
	g, gCtx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		return srv.ListenAndServe()
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("Server failed", "error", err)
	}
}
