package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/db"
	"github.com/thatsimonsguy/relay-controller/internal/api"
	"github.com/thatsimonsguy/relay-controller/internal/config"
	"github.com/thatsimonsguy/relay-controller/internal/controller"
	"github.com/thatsimonsguy/relay-controller/internal/controllers/commandworker"
	"github.com/thatsimonsguy/relay-controller/internal/controllers/healthmonitor"
	"github.com/thatsimonsguy/relay-controller/internal/controllers/statusobserver"
	"github.com/thatsimonsguy/relay-controller/internal/datadog"
	"github.com/thatsimonsguy/relay-controller/internal/env"
	"github.com/thatsimonsguy/relay-controller/internal/eventbus"
	"github.com/thatsimonsguy/relay-controller/internal/logging"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/notifications"
	"github.com/thatsimonsguy/relay-controller/internal/state"
	"github.com/thatsimonsguy/relay-controller/internal/transport"
	"github.com/thatsimonsguy/relay-controller/system/shutdown"
	"github.com/thatsimonsguy/relay-controller/system/startup"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel)
	env.Cfg = &cfg

	log.Info().
		Str("device", cfg.Serial.Device).
		Int("baud", cfg.Serial.BaudRate).
		Int("slave_id", cfg.Serial.SlaveID).
		Msg("Starting relay controller")

	if cfg.EnableDatadog {
		datadog.InitMetrics()
	}
	notifications.Init()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open database")
	}
	defer database.Close()

	if err := startup.WriteStartupScript(); err != nil {
		log.Warn().Err(err).Msg("Failed to write serial setup script")
	} else if err := startup.RunStartupScript(); err != nil {
		log.Warn().Err(err).Msg("Serial setup script failed, continuing with current line settings")
	}

	parity, ok := model.ParityFromString(cfg.Serial.Parity)
	if !ok {
		shutdown.ShutdownWithError(nil, "Invalid serial parity in config")
	}

	rtu, err := transport.NewRTU(transport.RTUConfig{
		Device:   cfg.Serial.Device,
		BaudRate: cfg.Serial.BaudRate,
		Parity:   parity,
		SlaveID:  uint8(cfg.Serial.SlaveID),
		Timeout:  time.Duration(cfg.Serial.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		shutdown.ShutdownWithError(err, "Failed to open RS-485 transport")
	}

	events := eventbus.New()
	life := eventbus.New()
	store := state.NewStore(events)
	ctrl := controller.New(rtu, store, events, life, uint8(cfg.Serial.SlaveID))

	initCfg := controller.InitConfig{
		ResetRelaysOnInit:  cfg.Relay.ResetOnInit,
		SkipRelayStateRead: cfg.Relay.SkipStateRead,
	}
	if err := ctrl.Initialize(initCfg); err != nil {
		// Offline at boot is survivable: the health monitor keeps probing and
		// reinitializes when the board answers.
		log.Error().Err(err).Msg("Initialization failed, continuing in degraded mode")
	} else {
		shutdown.RegisterRelayReset(ctrl.ResetAllChannels)

		if info, err := ctrl.ReadDeviceInfo(); err != nil {
			log.Warn().Err(err).Msg("Failed to read device identity block")
		} else {
			log.Info().
				Uint16("device_type", info.DeviceType).
				Uint8("fw_major", info.FirmwareMajor).
				Uint8("fw_minor", info.FirmwareMinor).
				Msg("Relay module identified")
			if err := db.UpdateModuleInfo(database, info); err != nil {
				log.Warn().Err(err).Msg("Failed to persist module info")
			}
		}
		if match, err := ctrl.VerifyHardware(); err != nil {
			log.Warn().Err(err).Msg("Hardware verification failed")
		} else if !match {
			log.Warn().Msg("Configured slave ID does not match the module's DIP address")
		}
	}

	worker := commandworker.New(commandworker.Config{
		QueueDepth:          cfg.Relay.QueueDepth,
		MinSwitchInterval:   time.Duration(cfg.Relay.MinSwitchIntervalMs) * time.Millisecond,
		MaxTogglesPerMinute: cfg.Relay.MaxTogglesPerMinute,
		ConfirmTimeout:      time.Duration(cfg.Relay.ConfirmTimeoutMs) * time.Millisecond,
	}, ctrl, store, events)
	worker.OnResult = func(cmd model.PendingCommand, cmdErr error) {
		if err := db.RecordCommand(database, cmd, cmdErr); err != nil {
			log.Warn().Err(err).Msg("Failed to record command in audit log")
		}
		if snapshot, err := store.SnapshotChannels(); err == nil {
			if err := db.SaveSnapshot(database, snapshot); err != nil {
				log.Warn().Err(err).Msg("Failed to persist channel snapshot")
			}
		}
	}
	worker.Start()

	observer := statusobserver.New(statusobserver.Config{
		InitialInterval:  time.Duration(cfg.Observer.PollIntervalSeconds) * time.Second,
		MaxInterval:      time.Duration(cfg.Observer.MaxPollIntervalSeconds) * time.Second,
		ActivityInterval: time.Duration(cfg.Observer.ActivityIntervalSeconds) * time.Second,
		BackoffAfter:     cfg.Observer.BackoffAfterPolls,
	}, ctrl)
	observer.Start()

	monitor := healthmonitor.New(healthmonitor.Config{RecoverConfig: initCfg}, ctrl)
	monitor.QueueLen = worker.QueueLen
	monitor.Start()

	server := api.NewServer(store, ctrl, worker)
	go func() {
		if err := server.Start(cfg.HTTPListenAddr); err != nil {
			shutdown.ShutdownWithError(err, "HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Info().Str("signal", sig.String()).Msg("Shutting down")
	observer.Stop()
	monitor.Stop()
	worker.Stop()
	// Shutdown drives the OFF sweep through the still-open transport, then
	// exits the process.
	shutdown.Shutdown()
}
