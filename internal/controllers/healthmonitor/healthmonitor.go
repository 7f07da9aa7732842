// Package healthmonitor reports device health to Datadog, pushes ntfy
// alerts on offline/recovered edges, and periodically attempts to bring an
// offline board back.
package healthmonitor

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/controller"
	"github.com/thatsimonsguy/relay-controller/internal/datadog"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/notifications"
)

type device interface {
	Phase() model.LifecyclePhase
	IsOffline() bool
	IsResponsive() bool
	LastResponse() time.Time
	DroppedResponses() uint64
	Recover(cfg controller.InitConfig) error
}

type Config struct {
	Interval       time.Duration
	RecoverBackoff time.Duration
	RecoverConfig  controller.InitConfig
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.RecoverBackoff <= 0 {
		c.RecoverBackoff = time.Minute
	}
}

type Monitor struct {
	cfg Config
	dev device

	// QueueLen, when set, reports the command queue depth gauge.
	QueueLen func() int

	wasOffline  bool
	lastRecover time.Time

	stopCh  chan struct{}
	done    chan struct{}
	running atomic.Bool

	// indirections for tests
	notify func(title, message string) error
	now    func() time.Time
}

func New(cfg Config, dev device) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		cfg:    cfg,
		dev:    dev,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		notify: notifications.Send,
		now:    time.Now,
	}
}

func (m *Monitor) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	log.Info().Dur("interval", m.cfg.Interval).Msg("Starting relay health monitor")
	go m.run()
}

func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	<-m.done
	log.Info().Msg("Relay health monitor stopped")
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	m.emitGauges()

	offline := m.dev.IsOffline()
	switch {
	case offline && !m.wasOffline:
		log.Error().Msg("Relay module went offline")
		if err := m.notify("Relay module offline", "The relay module stopped responding on the RS-485 bus."); err != nil {
			log.Warn().Err(err).Msg("Failed to send offline notification")
		}
	case !offline && m.wasOffline:
		log.Info().Msg("Relay module recovered")
		if err := m.notify("Relay module recovered", "The relay module is responding again and has been reinitialized."); err != nil {
			log.Warn().Err(err).Msg("Failed to send recovery notification")
		}
	}
	m.wasOffline = offline

	if offline {
		m.tryRecover()
	}
}

func (m *Monitor) emitGauges() {
	datadog.Gauge("relay.health.phase", phaseValue(m.dev.Phase()))
	datadog.Gauge("relay.health.dropped_responses", float64(m.dev.DroppedResponses()))

	if last := m.dev.LastResponse(); !last.IsZero() {
		datadog.Gauge("relay.health.seconds_since_response", m.now().Sub(last).Seconds())
	}

	responsive := 0.0
	if !m.dev.IsOffline() {
		responsive = 1.0
	}
	datadog.Gauge("relay.health.responsive", responsive)

	if m.QueueLen != nil {
		datadog.Gauge("relay.queue.depth", float64(m.QueueLen()))
	}
}

func (m *Monitor) tryRecover() {
	now := m.now()
	if !m.lastRecover.IsZero() && now.Sub(m.lastRecover) < m.cfg.RecoverBackoff {
		return
	}
	m.lastRecover = now

	log.Info().Msg("Attempting relay module recovery")
	if err := m.dev.Recover(m.cfg.RecoverConfig); err != nil {
		log.Warn().Err(err).Msg("Recovery attempt failed")
		datadog.Count("relay.health.recover_failed", 1)
		return
	}
	datadog.Count("relay.health.recovered", 1)
}

func phaseValue(p model.LifecyclePhase) float64 {
	switch p {
	case model.PhaseUninitialized:
		return 0
	case model.PhaseConfiguring:
		return 1
	case model.PhaseReady:
		return 2
	case model.PhaseError:
		return 3
	case model.PhaseOffline:
		return 4
	}
	return -1
}
