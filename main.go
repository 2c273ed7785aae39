package main

import (
	"log"

	"github.com/usetempo/tempod/bluetooth"
	"github.com/usetempo/tempod/config"
	"github.com/usetempo/tempod/server"
	"github.com/usetempo/tempod/store"
	"github.com/usetempo/tempod/syncer"
	"github.com/usetempo/tempod/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	syncStore, err := store.NewSyncStore(db, cfg.MaxRetries)
	if err != nil {
		log.Fatalf("Failed to load sync store: %v", err)
	}
	registry := store.NewRegistry(db)
	events := store.NewFileEventSource(cfg.EventsFile)

	wsHub := utils.NewWebSocketHub()

	btManager, err := bluetooth.NewManager(registry, wsHub, bluetooth.Timings{
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		VerifyInterval:    cfg.VerifyInterval,
		DiscoveryInterval: cfg.DiscoveryInterval,
		LockTTL:           cfg.LockTTL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize bluetooth manager: %v", err)
	}
	if err := btManager.Start(); err != nil {
		log.Fatalf("Failed to start bluetooth manager: %v", err)
	}

	transport := bluetooth.NewTransport(wsHub)

	sync := syncer.New(syncStore, registry, events, btManager, transport, wsHub, syncer.Options{
		SyncInterval: cfg.SyncInterval(),
		BackoffBase:  cfg.RetryBackoffBase,
		AlertWindow:  cfg.AlertWindow,
		MaxRetries:   cfg.MaxRetries,
	})

	scheduler := syncer.NewScheduler(sync, syncStore, wsHub, cfg.RetryTickInterval)
	scheduler.Start()

	srv := server.NewServer(btManager, sync, scheduler, syncStore, registry, wsHub,
		cfg.BindAddr, cfg.SyncInterval())
	srv.Start()
}
