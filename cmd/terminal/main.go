// Package main runs the terminal daemon: the durable sync queue and
// dispatcher, the LAN hub and presence registry, the offline period tracker,
// the customer display bus, and the localhost REST API the register UI talks
// to. Domain screens and cloud schema live elsewhere; this process keeps a
// terminal selling while the network does not cooperate.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/appgrav/poscore/cmd/terminal/handlers"
	"github.com/appgrav/poscore/internal/config"
	"github.com/appgrav/poscore/internal/connectivity"
	"github.com/appgrav/poscore/internal/db"
	"github.com/appgrav/poscore/internal/display"
	"github.com/appgrav/poscore/internal/lan"
	"github.com/appgrav/poscore/internal/logging"
	"github.com/appgrav/poscore/internal/models"
	"github.com/appgrav/poscore/internal/offline"
	syncer "github.com/appgrav/poscore/internal/sync"
)

func main() {
	logging.Init(os.Stdout, logging.LevelInfo)
	log := logging.Component("terminal")

	cfg, err := config.Load(os.Getenv("POSCORE_CONFIG"))
	if err != nil {
		log.Error("failed to load configuration", err)
		os.Exit(1)
	}
	deviceID, err := config.EnsureDeviceID(cfg.DataDir)
	if err != nil {
		log.Error("failed to establish device identity", err)
		os.Exit(1)
	}
	log.Info("starting terminal daemon", map[string]interface{}{
		"device_id": deviceID,
		"config":    cfg.String(),
	})

	database, err := db.Setup(cfg.DataDir)
	if err != nil {
		log.Error("failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	queueStore := db.NewQueueStore(database, cfg.Queue.MaxSize)
	periodStore := db.NewPeriodStore(database)

	// Envelopes stranded mid-push by an unclean shutdown go back to pending.
	recovered, err := queueStore.RecoverInFlight()
	if err != nil {
		log.Error("failed to recover in-flight envelopes", err)
		os.Exit(1)
	}
	if recovered > 0 {
		log.Warn("recovered in-flight envelopes", map[string]interface{}{"count": recovered})
	}

	// The daemon assumes it is online until the host reports otherwise.
	signalState := connectivity.NewSignal(true)

	remote := syncer.NewHTTPRemote(cfg.Remote.URL, deviceID, cfg.Remote.Timeout)
	dispatcher := syncer.NewDispatcher(queueStore, remote, signalState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	tracker := offline.NewTracker(periodStore, dispatcher, signalState, 0)
	if err := tracker.Start(); err != nil {
		log.Error("failed to start offline tracker", err)
		os.Exit(1)
	}
	defer tracker.Stop()

	hub := lan.NewHub(lan.HubConfig{
		ListenAddr:        cfg.Hub.ListenAddr,
		ProbeAddr:         cfg.Hub.Addr,
		DeviceID:          deviceID,
		DeviceName:        cfg.Device.Name,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		OnlineThreshold:   cfg.Hub.OnlineThreshold,
		StaleThreshold:    cfg.Hub.StaleThreshold,
	})
	defer hub.Stop()

	bus := display.NewBus(cfg.Display.BusAddr)
	if err := bus.Start(); err != nil {
		// The register keeps selling without a customer display.
		log.Warn("display bus unavailable", map[string]interface{}{"error": err.Error()})
	}
	defer bus.Stop()

	queueHandler := handlers.NewQueueHandler(queueStore, dispatcher)
	hubHandler := handlers.NewHubHandler(hub)
	offlineHandler := handlers.NewOfflineHandler(tracker)
	connectivityHandler := handlers.NewConnectivityHandler(signalState)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"poscore-terminal"}`))
	})
	mux.HandleFunc("POST /api/queue", queueHandler.Enqueue)
	mux.HandleFunc("GET /api/queue", queueHandler.List)
	mux.HandleFunc("GET /api/queue/counts", queueHandler.Counts)
	mux.HandleFunc("POST /api/queue/{id}/retry", queueHandler.Retry)
	mux.HandleFunc("DELETE /api/queue/{id}", queueHandler.Remove)
	mux.HandleFunc("GET /api/devices", hubHandler.Devices)
	mux.HandleFunc("POST /api/hub/start", hubHandler.Start)
	mux.HandleFunc("POST /api/hub/stop", hubHandler.Stop)
	mux.HandleFunc("GET /api/hub/status", hubHandler.Status)
	mux.HandleFunc("POST /api/hub/broadcast", hubHandler.Broadcast)
	mux.HandleFunc("GET /api/offline/periods", offlineHandler.Periods)
	mux.HandleFunc("GET /api/offline/stats", offlineHandler.Stats)
	mux.HandleFunc("GET /api/connectivity", connectivityHandler.Get)
	mux.HandleFunc("POST /api/connectivity", connectivityHandler.Set)

	server := &http.Server{Addr: cfg.APIAddr, Handler: mux}
	go func() {
		log.Info("api listening", map[string]interface{}{"addr": cfg.APIAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server stopped", err)
			os.Exit(1)
		}
	}()

	// Register terminals start the hub when none is active on the segment;
	// other device types, or a register that lost the race, join as clients.
	runningHub := false
	if models.DeviceType(cfg.Device.Type) == models.DevicePOS {
		if err := hub.Start(); err != nil {
			log.Info("not starting hub", map[string]interface{}{"reason": err.Error()})
		} else {
			runningHub = true
		}
	}
	if !runningHub {
		client := lan.NewHubClient(lan.ClientConfig{
			HubAddr:           cfg.Hub.Addr,
			DeviceID:          deviceID,
			DeviceName:        cfg.Device.Name,
			DeviceType:        models.DeviceType(cfg.Device.Type),
			HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		}, func(msg lan.Message) {
			// A targeted sync_request is the hub asking this terminal to
			// re-fetch; everything else is surfaced to the host app.
			if msg.Type == lan.MsgSyncRequest {
				dispatcher.Kick()
			}
		})
		if err := client.Connect(); err != nil {
			log.Warn("no hub reachable, running standalone", map[string]interface{}{
				"hub_addr": cfg.Hub.Addr,
			})
		} else {
			defer client.Close()
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	server.Shutdown(context.Background())
}
