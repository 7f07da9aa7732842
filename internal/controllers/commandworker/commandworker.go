// Package commandworker drains the bounded relay command queue. It is the
// sole consumer of the queue and the sole writer of command-triggered state
// transitions: every admitted command is rate-limited, fired through the
// device controller, then confirmed via the notification bus with a
// readback fallback.
package commandworker

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/datadog"
	"github.com/thatsimonsguy/relay-controller/internal/eventbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/state"
)

// device is the slice of the controller the worker drives.
type device interface {
	ControlChannel(ch int, action model.RelayAction, delaySeconds uint8) error
	SetChannels(desired [model.NumChannels]*bool) error
	ReadChannelStatus(ch int) (bool, error)
	IsOffline() bool
}

type Config struct {
	QueueDepth          int
	MinSwitchInterval   time.Duration
	MaxTogglesPerMinute int
	ReceiveTimeout      time.Duration
	ConfirmTimeout      time.Duration
	StaleWarning        time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 30
	}
	if c.MinSwitchInterval <= 0 {
		c.MinSwitchInterval = 500 * time.Millisecond
	}
	if c.MaxTogglesPerMinute <= 0 {
		c.MaxTogglesPerMinute = 30
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 300 * time.Millisecond
	}
	if c.StaleWarning <= 0 {
		c.StaleWarning = time.Second
	}
}

const rateWindow = time.Minute

// request is the queue envelope: either one command or one batch.
type request struct {
	single model.PendingCommand
	batch  *[model.NumChannels]*bool
}

type Worker struct {
	cfg    Config
	dev    device
	store  *state.Store
	events *eventbus.Bus

	queue   chan request
	stopCh  chan struct{}
	done    chan struct{}
	running atomic.Bool

	lastSwitch  [model.NumChannels]time.Time
	toggleCount [model.NumChannels]int
	windowStart time.Time

	// OnResult, when set, observes every processed command (audit log).
	OnResult func(cmd model.PendingCommand, err error)

	// Now is overridable in tests.
	Now func() time.Time
}

func New(cfg Config, dev device, store *state.Store, events *eventbus.Bus) *Worker {
	cfg.applyDefaults()
	return &Worker{
		cfg:    cfg,
		dev:    dev,
		store:  store,
		events: events,
		queue:  make(chan request, cfg.QueueDepth),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		Now:    time.Now,
	}
}

// Enqueue never blocks the producer: a full queue rejects immediately.
func (w *Worker) Enqueue(cmd model.PendingCommand) bool {
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = w.Now()
	}
	select {
	case w.queue <- request{single: cmd}:
		datadog.Gauge("relay.queue.depth", float64(len(w.queue)))
		return true
	default:
		datadog.Count("relay.queue.rejected", 1)
		log.Warn().
			Int("channel", cmd.Channel).
			Str("action", cmd.Action.String()).
			Msg("Command queue full, command rejected")
		return false
	}
}

// EnqueueBatch queues a SetMultiple request under the same backpressure
// rules as single commands.
func (w *Worker) EnqueueBatch(desired [model.NumChannels]*bool) bool {
	d := desired
	select {
	case w.queue <- request{batch: &d}:
		datadog.Gauge("relay.queue.depth", float64(len(w.queue)))
		return true
	default:
		datadog.Count("relay.queue.rejected", 1)
		log.Warn().Msg("Command queue full, batch rejected")
		return false
	}
}

// QueueLen reports the number of queued commands.
func (w *Worker) QueueLen() int { return len(w.queue) }

func (w *Worker) Start() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	log.Info().
		Int("queue_depth", w.cfg.QueueDepth).
		Dur("min_switch_interval", w.cfg.MinSwitchInterval).
		Int("max_toggles_per_minute", w.cfg.MaxTogglesPerMinute).
		Msg("Starting relay command worker")
	go w.run()
}

// Stop flips the running flag and wakes the worker; a command already in
// flight on the bus completes before Stop returns.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.stopCh)
	<-w.done
	log.Info().Msg("Relay command worker stopped")
}

func (w *Worker) run() {
	defer close(w.done)
	w.windowStart = w.Now()

	for {
		// Receive with timeout so the loop heartbeats even when idle and
		// observes the stop flag promptly.
		select {
		case <-w.stopCh:
			return
		case req := <-w.queue:
			if req.batch != nil {
				w.processBatch(*req.batch)
			} else {
				w.processSingle(req.single)
			}
		case <-time.After(w.cfg.ReceiveTimeout):
			datadog.Gauge("relay.queue.depth", float64(len(w.queue)))
		}
	}
}

func (w *Worker) processSingle(cmd model.PendingCommand) {
	start := w.Now()
	if age := start.Sub(cmd.EnqueuedAt); age > w.cfg.StaleWarning {
		log.Warn().
			Int("channel", cmd.Channel).
			Dur("age", age).
			Msg("Stale command dequeued; bus may be backed up")
	}

	err := w.executeSingle(cmd)
	w.finish(cmd, start, err)
}

func (w *Worker) executeSingle(cmd model.PendingCommand) error {
	if cmd.Action.Broadcast() {
		// Broadcast commands bypass the per-channel limiter but still
		// count as a switch on every channel.
		if err := w.dev.ControlChannel(model.BroadcastChannel, cmd.Action, 0); err != nil {
			return err
		}
		now := w.Now()
		for ch := 1; ch <= model.NumChannels; ch++ {
			w.recordSwitch(ch, now)
		}
		return nil
	}

	if !model.ValidChannel(cmd.Channel) {
		return fmt.Errorf("channel %d: %w", cmd.Channel, model.ErrInvalidIndex)
	}

	now := w.Now()
	if reason := w.checkRateLimit(cmd.Channel, now); reason != "" {
		datadog.Count("relay.command.rate_limited", 1)
		return fmt.Errorf("channel %d rate limited (%s)", cmd.Channel, reason)
	}

	// Clear the expected bit first so a stale signal from a previous cycle
	// can't masquerade as this command's confirmation.
	w.events.Clear(eventbus.UpdateBit(cmd.Channel))

	if err := w.dev.ControlChannel(cmd.Channel, cmd.Action, cmd.DelaySeconds); err != nil {
		return err
	}
	w.recordSwitch(cmd.Channel, now)

	return w.confirm(cmd)
}

// confirm waits for the channel's update bit, falling back to one explicit
// readback: a lost notification is not a failed command.
func (w *Worker) confirm(cmd model.PendingCommand) error {
	if matched := w.events.WaitAny(eventbus.UpdateBit(cmd.Channel), true, w.cfg.ConfirmTimeout); matched != 0 {
		return nil
	}

	log.Debug().Int("channel", cmd.Channel).Msg("No update signal, verifying by readback")
	isOn, err := w.dev.ReadChannelStatus(cmd.Channel)
	if err != nil {
		return fmt.Errorf("confirmation readback failed: %w", model.ErrTimeout)
	}

	if expected, known := expectedState(cmd.Action, cmd.DelaySeconds); known && isOn != expected {
		w.events.Set(eventbus.ErrorBit(cmd.Channel))
		return fmt.Errorf("channel %d readback %v after %s: %w", cmd.Channel, isOn, cmd.Action, model.ErrUnknown)
	}
	return nil
}

func (w *Worker) processBatch(desired [model.NumChannels]*bool) {
	start := w.Now()
	err := w.executeBatch(desired)

	status := "success"
	if err != nil {
		status = "failure"
		log.Error().Err(err).Msg("Batch command failed")
	}
	datadog.Count("relay.batch."+status, 1)
	datadog.Gauge("relay.batch.duration_ms", float64(w.Now().Sub(start).Milliseconds()))
}

func (w *Worker) executeBatch(desired [model.NumChannels]*bool) error {
	believed, err := w.store.SnapshotAll()
	if err != nil {
		return err
	}

	// Expected-change mask: only channels whose state should actually flip
	// are waited on. A no-op batch never touches the bus.
	var mask uint32
	var changed []int
	for ch := 1; ch <= model.NumChannels; ch++ {
		if desired[ch-1] != nil && *desired[ch-1] != believed[ch-1] {
			mask |= eventbus.UpdateBit(ch)
			changed = append(changed, ch)
		}
	}
	if mask == 0 {
		log.Debug().Msg("Batch is a no-op, skipping bus transaction")
		return nil
	}

	now := w.Now()
	for _, ch := range changed {
		if reason := w.checkRateLimit(ch, now); reason != "" {
			datadog.Count("relay.command.rate_limited", 1)
			return fmt.Errorf("channel %d rate limited (%s), batch rejected", ch, reason)
		}
	}

	w.events.Clear(mask)
	if err := w.dev.SetChannels(desired); err != nil {
		return err
	}
	for _, ch := range changed {
		w.recordSwitch(ch, now)
	}

	// Collect confirmations until the mask is satisfied or time runs out;
	// stragglers get one readback each.
	deadline := w.Now().Add(w.cfg.ConfirmTimeout)
	remaining := mask
	for remaining != 0 {
		wait := deadline.Sub(w.Now())
		if wait <= 0 {
			break
		}
		matched := w.events.WaitAny(remaining, true, wait)
		if matched == 0 {
			break
		}
		remaining &^= matched
	}

	var mismatched []int
	for _, ch := range changed {
		if remaining&eventbus.UpdateBit(ch) == 0 {
			continue
		}
		isOn, err := w.dev.ReadChannelStatus(ch)
		if err != nil {
			return fmt.Errorf("channel %d confirmation readback failed: %w", ch, model.ErrTimeout)
		}
		if isOn != *desired[ch-1] {
			w.events.Set(eventbus.ErrorBit(ch))
			mismatched = append(mismatched, ch)
		}
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("channels %v disagree with commanded state: %w", mismatched, model.ErrUnknown)
	}
	return nil
}

func (w *Worker) finish(cmd model.PendingCommand, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		log.Error().
			Err(err).
			Int("channel", cmd.Channel).
			Str("action", cmd.Action.String()).
			Msg("Command failed")
	}
	datadog.Count("relay.command."+status, 1)
	datadog.Gauge("relay.command.duration_ms", float64(w.Now().Sub(start).Milliseconds()))

	if w.OnResult != nil {
		w.OnResult(cmd, err)
	}
}

// checkRateLimit protects the relay's mechanical contacts: a minimum
// interval between switches plus a cap on toggles per window. The window
// resets when it elapses, not on every check.
func (w *Worker) checkRateLimit(ch int, now time.Time) string {
	if now.Sub(w.windowStart) >= rateWindow {
		w.windowStart = now
		for i := range w.toggleCount {
			w.toggleCount[i] = 0
		}
	}

	if last := w.lastSwitch[ch-1]; !last.IsZero() && now.Sub(last) < w.cfg.MinSwitchInterval {
		return "min switch interval"
	}
	if w.toggleCount[ch-1] >= w.cfg.MaxTogglesPerMinute {
		return "toggle budget exhausted"
	}
	return ""
}

func (w *Worker) recordSwitch(ch int, now time.Time) {
	w.lastSwitch[ch-1] = now
	w.toggleCount[ch-1]++
}

// expectedState mirrors the controller's expectation mapping for the
// readback fallback. Toggle and momentary have no absolute target.
func expectedState(action model.RelayAction, delaySeconds uint8) (on, known bool) {
	switch action {
	case model.ActionTurnOn, model.ActionLatch:
		return true, true
	case model.ActionTurnOff:
		return false, true
	case model.ActionDelay:
		return delaySeconds > 0, true
	}
	return false, false
}
