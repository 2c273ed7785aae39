package server

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/usetempo/tempod/bluetooth"
	"github.com/usetempo/tempod/store"
	"github.com/usetempo/tempod/syncer"
	"github.com/usetempo/tempod/utils"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	btManager    *bluetooth.Manager
	syncer       *syncer.Syncer
	scheduler    *syncer.Scheduler
	syncStore    *store.SyncStore
	registry     *store.Registry
	wsHub        *utils.WebSocketHub
	addr         string
	syncInterval time.Duration
	router       *http.ServeMux
}

// NewServer creates a new Server instance.
func NewServer(btManager *bluetooth.Manager, sync *syncer.Syncer, sched *syncer.Scheduler,
	syncStore *store.SyncStore, registry *store.Registry, wsHub *utils.WebSocketHub,
	addr string, syncInterval time.Duration) *Server {
	s := &Server{
		btManager:    btManager,
		syncer:       sync,
		scheduler:    sched,
		syncStore:    syncStore,
		registry:     registry,
		wsHub:        wsHub,
		addr:         addr,
		syncInterval: syncInterval,
		router:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/info", corsMiddleware(s.handleInfo))

	s.router.HandleFunc("/devices", corsMiddleware(s.handleListDevices))
	s.router.HandleFunc("/devices/register", corsMiddleware(s.handleRegisterDevice))
	s.router.HandleFunc("/devices/remove/", corsMiddleware(s.handleRemoveDevice))

	s.router.HandleFunc("/sync/profile/", corsMiddleware(s.handleSyncProfile))
	s.router.HandleFunc("/sync/all", corsMiddleware(s.handleForceSyncAll))
	s.router.HandleFunc("/sync/resync", corsMiddleware(s.handleMarkResync))
	s.router.HandleFunc("/sync/history/clear", corsMiddleware(s.handleClearHistory))
	s.router.HandleFunc("/sync/queue", corsMiddleware(s.handleQueueStatus))

	s.router.HandleFunc("/app/foreground", corsMiddleware(s.handleForeground))
}

// Start starts the HTTP server and blocks until a shutdown signal arrives.
func (s *Server) Start() {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		log.Printf("Starting server on %s", s.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")

	s.scheduler.Stop()
	s.btManager.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server gracefully stopped")
}
