// Package statusobserver keeps the believed channel states honest. It polls
// the board's status bitmap on an adaptive interval: quiet boards are polled
// less and less often, any sign of activity snaps the interval back down.
package statusobserver

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/datadog"
)

type device interface {
	ReadBitmapStatus(updateCache bool) (uint8, error)
	IsOffline() bool
	IsResponsive() bool
	MarkOffline(reason error)
}

type Config struct {
	InitialInterval  time.Duration
	MaxInterval      time.Duration
	ActivityInterval time.Duration
	BackoffAfter     int // consecutive no-change polls before stretching
}

func (c *Config) applyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 2 * time.Minute
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 10 * time.Minute
	}
	if c.ActivityInterval <= 0 {
		c.ActivityInterval = time.Minute
	}
	if c.BackoffAfter <= 0 {
		c.BackoffAfter = 5
	}
}

type Observer struct {
	cfg Config
	dev device

	interval  atomic.Int64 // nanoseconds
	noChange  int
	lastSeen  uint8
	seenValid bool

	wakeCh  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	running atomic.Bool

	failures int

	// OnOffline fires once per transition when polling concludes the board
	// has dropped off the bus.
	OnOffline func(err error)
}

// consecutive poll failures before the device is declared offline
const offlineThreshold = 3

func New(cfg Config, dev device) *Observer {
	cfg.applyDefaults()
	o := &Observer{
		cfg:    cfg,
		dev:    dev,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	o.interval.Store(int64(cfg.InitialInterval))
	return o
}

func (o *Observer) Start() {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	log.Info().
		Dur("initial_interval", o.cfg.InitialInterval).
		Dur("max_interval", o.cfg.MaxInterval).
		Msg("Starting relay status observer")
	go o.run()
}

func (o *Observer) Stop() {
	if !o.running.CompareAndSwap(true, false) {
		return
	}
	close(o.stopCh)
	<-o.done
	log.Info().Msg("Relay status observer stopped")
}

// Wake requests an out-of-band poll, e.g. after a command burst. Coalesces
// when a wake is already pending.
func (o *Observer) Wake() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

// Interval reports the current poll interval.
func (o *Observer) Interval() time.Duration {
	return time.Duration(o.interval.Load())
}

func (o *Observer) run() {
	defer close(o.done)

	timer := time.NewTimer(o.Interval())
	defer timer.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-timer.C:
			o.poll()
		case <-o.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			o.poll()
		}
		timer.Reset(o.Interval())
		datadog.Gauge("relay.observer.interval_seconds", o.Interval().Seconds())
	}
}

func (o *Observer) poll() {
	if o.dev.IsOffline() {
		// Cheap passive check first, then one active probe. Recovery is the
		// health monitor's job; we just keep watching for signs of life.
		if o.dev.IsResponsive() {
			log.Info().Msg("Offline relay module is responding again")
		}
		return
	}

	bitmap, err := o.dev.ReadBitmapStatus(true)
	if err != nil {
		o.failures++
		log.Warn().Err(err).Int("consecutive", o.failures).Msg("Status poll failed")
		if o.failures >= offlineThreshold {
			o.failures = 0
			o.dev.MarkOffline(err)
			if o.OnOffline != nil {
				o.OnOffline(err)
			}
		}
		return
	}
	o.failures = 0

	changed := o.seenValid && bitmap != o.lastSeen
	o.lastSeen = bitmap
	o.seenValid = true
	o.adjustInterval(changed)

	log.Debug().
		Uint8("bitmap", bitmap).
		Bool("changed", changed).
		Dur("interval", o.Interval()).
		Msg("Status poll complete")
}

// adjustInterval stretches the poll period by half after enough quiet polls
// and snaps back to the activity interval when anything moved.
func (o *Observer) adjustInterval(changed bool) {
	if changed {
		o.noChange = 0
		o.interval.Store(int64(o.cfg.ActivityInterval))
		return
	}

	o.noChange++
	if o.noChange < o.cfg.BackoffAfter {
		return
	}
	o.noChange = 0
	next := o.Interval() + o.Interval()/2
	if next > o.cfg.MaxInterval {
		next = o.cfg.MaxInterval
	}
	o.interval.Store(int64(next))
}
