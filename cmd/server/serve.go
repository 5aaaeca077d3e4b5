package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"pursuit-sync/internal/asset"
	"pursuit-sync/internal/clock"
	"pursuit-sync/internal/config"
	"pursuit-sync/internal/handler"
	"pursuit-sync/internal/logging"
	"pursuit-sync/internal/middleware"
	"pursuit-sync/internal/notify"
	"pursuit-sync/internal/partition"
	"pursuit-sync/internal/repository"
	"pursuit-sync/internal/service"
	"pursuit-sync/internal/websocket"
	"pursuit-sync/pkg/response"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var libraryID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replica and its HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if libraryID != "" {
				cfg.Sync.LibraryID = libraryID
			}
			return serve(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&libraryID, "library", "", "library to join at startup (overrides SYNC_LIBRARY_ID)")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openDocumentStore(ctx, cfg, opts, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	local, err := repository.OpenLocalStore(cfg.Local.Path, "replica")
	if err != nil {
		return err
	}
	defer local.Close()

	clk := clock.Real{}
	mapper := partition.NewMapper(store, clk, logger)
	assets, err := asset.NewManager(store, cfg.Asset.CacheSize, clk, logger)
	if err != nil {
		return err
	}
	syncService := service.NewSyncService(mapper, assets, logger)

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnections,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		logger,
	)

	replica := service.NewReplicaService(
		syncService,
		local,
		clk,
		notify.Multi(notify.LogSink{Logger: logger}, wsManager),
		logger,
		service.ReplicaConfig{
			PollInterval:   cfg.Sync.PollInterval,
			TickInterval:   cfg.Sync.TimerTick,
			IOTimeout:      cfg.Sync.PushTimeout,
			DismissHistory: cfg.Timer.DismissHistory,
			UserName:       cfg.Replica.UserName,
			UserID:         cfg.Replica.UserID,
		},
	)
	if err := replica.Load(ctx); err != nil {
		return err
	}

	unsubscribe := replica.Subscribe(handler.Forward(wsManager, logger))
	defer unsubscribe()

	wsManager.SetMessageHandler(handler.NewWebSocketMessageHandler(replica, wsManager, cfg.Sync.PushTimeout, logger))
	go wsManager.Run(ctx)

	replicaDone := make(chan error, 1)
	go func() { replicaDone <- replica.Run(ctx) }()

	if cfg.Sync.LibraryID != "" {
		go func() {
			joinCtx, cancel := context.WithTimeout(ctx, cfg.Sync.PushTimeout)
			defer cancel()
			if err := replica.Join(joinCtx, cfg.Sync.LibraryID); err != nil {
				logger.Error("failed to join library", "library_id", cfg.Sync.LibraryID, "error", err)
			}
		}()
	}

	r := newRouter(cfg, replica, wsManager, logger)
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Sync.PushTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting pursuit-sync", "addr", addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		stop()
		<-replicaDone
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	<-replicaDone

	logger.Info("server stopped gracefully")
	return nil
}

func newRouter(cfg *config.Config, replica handler.Replica, wsManager *websocket.Manager, logger *slog.Logger) *mux.Router {
	libraryHandler := handler.NewLibraryHandler(replica)
	syncHandler := handler.NewSyncHandler(replica)
	timerHandler := handler.NewTimerHandler(replica)
	wsHandler := handler.NewWebSocketHandler(wsManager, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, logger)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/state", libraryHandler.State).Methods("GET", "OPTIONS")

	api.HandleFunc("/sync/join", syncHandler.Join).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/leave", syncHandler.Leave).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/status", syncHandler.Status).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/pull", syncHandler.Pull).Methods("POST", "OPTIONS")

	api.HandleFunc("/games", libraryHandler.CreateGame).Methods("POST", "OPTIONS")
	api.HandleFunc("/games/{id}", libraryHandler.UpdateGame).Methods("PUT", "OPTIONS")
	api.HandleFunc("/games/{id}", libraryHandler.DeleteGame).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/games/{id}/rules", libraryHandler.UpdateRules).Methods("PUT", "OPTIONS")
	api.HandleFunc("/games/{id}/rating", libraryHandler.RateGame).Methods("POST", "OPTIONS")
	api.HandleFunc("/games/{id}/folder", libraryHandler.MoveGame).Methods("PUT", "OPTIONS")
	api.HandleFunc("/games/{id}/diagram", libraryHandler.GetDiagram).Methods("GET", "OPTIONS")
	api.HandleFunc("/games/{id}/diagram", libraryHandler.SetDiagram).Methods("PUT", "OPTIONS")
	api.HandleFunc("/games/{id}/diagram", libraryHandler.PruneDiagram).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/folders", libraryHandler.CreateFolder).Methods("POST", "OPTIONS")
	api.HandleFunc("/folders/{id}", libraryHandler.RenameFolder).Methods("PUT", "OPTIONS")
	api.HandleFunc("/folders/{id}", libraryHandler.DeleteFolder).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/players", libraryHandler.AddPlayer).Methods("POST", "OPTIONS")
	api.HandleFunc("/players/{id}", libraryHandler.DeletePlayer).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/rivalries", libraryHandler.AddRivalry).Methods("POST", "OPTIONS")
	api.HandleFunc("/rivalries/{id}", libraryHandler.DeleteRivalry).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/categories", libraryHandler.AddCategory).Methods("POST", "OPTIONS")
	api.HandleFunc("/categories/{name}", libraryHandler.DeleteCategory).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/tags", libraryHandler.AddTag).Methods("POST", "OPTIONS")
	api.HandleFunc("/tags/{name}", libraryHandler.DeleteTag).Methods("DELETE", "OPTIONS")

	api.HandleFunc("/messages", libraryHandler.SendMessage).Methods("POST", "OPTIONS")
	api.HandleFunc("/messages/read", libraryHandler.MarkMessagesRead).Methods("POST", "OPTIONS")
	api.HandleFunc("/results", libraryHandler.LogResult).Methods("POST", "OPTIONS")

	api.HandleFunc("/timer/start", timerHandler.Start).Methods("POST", "OPTIONS")
	api.HandleFunc("/timer/stop", timerHandler.Stop).Methods("POST", "OPTIONS")
	api.HandleFunc("/timer/dismiss", timerHandler.Dismiss).Methods("POST", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{"status": "healthy", "service": "pursuit-sync"})
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]interface{}{
		"message": "Pursuit Sync API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"/api/v1/state":       "GET",
			"/api/v1/sync/join":   "POST",
			"/api/v1/sync/status": "GET",
			"/ws":                 "GET (websocket)",
		},
	})
}
