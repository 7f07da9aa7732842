// Package controller owns the RYN4 lifecycle state machine and the public
// control/query API. It is the only package that talks to the transport;
// every successful response is handed through a bounded dispatch queue into
// the state store so decoding never runs on the transport's context.
package controller

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/eventbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/protocol"
	"github.com/thatsimonsguy/relay-controller/internal/retry"
	"github.com/thatsimonsguy/relay-controller/internal/state"
	"github.com/thatsimonsguy/relay-controller/internal/transport"
)

const (
	// A response seen this recently counts as proof of life; the active
	// probe is skipped.
	ResponsiveWindow = 30 * time.Second

	// VerifyTimeout bounds the wait for a readback confirmation in the
	// verified control paths.
	VerifyTimeout = 500 * time.Millisecond

	dispatchQueueDepth = 16
)

// InitConfig selects optional initialization steps.
type InitConfig struct {
	// ResetRelaysOnInit forces all channels to a known-OFF baseline with a
	// DELAY-0 sweep before reading state.
	ResetRelaysOnInit bool
	// SkipRelayStateRead leaves channel states unconfirmed instead of
	// seeding them from the hardware.
	SkipRelayStateRead bool
}

type Controller struct {
	tr     transport.Transport
	store  *state.Store
	events *eventbus.Bus // channel status/update/error bits
	life   *eventbus.Bus // lifecycle bits

	slaveID uint8

	mu            sync.Mutex
	phase         model.LifecyclePhase
	settings      model.ModuleSettings
	settingsKnown bool
	lastResponse  time.Time

	responses chan transport.Response
	dropped   atomic.Uint64
	stop      chan struct{}
	done      chan struct{}

	initRetry    retry.Policy
	runtimeRetry retry.Policy

	// Now and sleep are overridable in tests.
	Now   func() time.Time
	sleep func(time.Duration)
}

func New(tr transport.Transport, store *state.Store, events, life *eventbus.Bus, slaveID uint8) *Controller {
	c := &Controller{
		tr:           tr,
		store:        store,
		events:       events,
		life:         life,
		slaveID:      slaveID,
		phase:        model.PhaseUninitialized,
		responses:    make(chan transport.Response, dispatchQueueDepth),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		initRetry:    retry.Aggressive(),
		runtimeRetry: retry.Disabled(),
		Now:          time.Now,
		sleep:        time.Sleep,
	}
	go c.dispatchLoop()
	return c
}

// Close stops the dispatcher and releases the transport. A transaction
// already on the bus completes first; nothing is killed mid-flight.
func (c *Controller) Close() error {
	close(c.stop)
	<-c.done
	return c.tr.Close()
}

func (c *Controller) Phase() model.LifecyclePhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p model.LifecyclePhase) {
	c.mu.Lock()
	old := c.phase
	c.phase = p
	c.mu.Unlock()
	if old != p {
		log.Info().Str("from", string(old)).Str("to", string(p)).Msg("Device lifecycle transition")
	}
}

func (c *Controller) IsOffline() bool {
	return c.Phase() == model.PhaseOffline
}

// Settings returns the configuration block read during initialization.
func (c *Controller) Settings() (model.ModuleSettings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings, c.settingsKnown
}

// LastResponse is the time of the most recent successful bus transaction.
func (c *Controller) LastResponse() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponse
}

// DroppedResponses counts dispatch-queue overflows since construction.
func (c *Controller) DroppedResponses() uint64 {
	return c.dropped.Load()
}

// IsResponsive checks for proof of life. Passive first: any response inside
// the window means responsive without touching the bus. Otherwise one small
// register read serves as an active probe.
func (c *Controller) IsResponsive() bool {
	c.mu.Lock()
	last := c.lastResponse
	c.mu.Unlock()
	if !last.IsZero() && c.Now().Sub(last) < ResponsiveWindow {
		return true
	}

	values, err := c.tr.ReadRegisters(protocol.RegReplyDelay, 1)
	if err != nil {
		return false
	}
	c.recordResponse(transport.Response{Kind: transport.KindReadRegisters, Address: protocol.RegReplyDelay, Values: values})
	return true
}

// Initialize drives Uninitialized/Offline through Configuring to Ready. All
// bus work here runs under the aggressive retry profile: no external
// scheduler owns pacing yet.
func (c *Controller) Initialize(cfg InitConfig) error {
	c.setPhase(model.PhaseConfiguring)

	probe := c.initRetry.Do(func() error {
		if c.IsResponsive() {
			return nil
		}
		return fmt.Errorf("probe read failed: %w", model.ErrTransport)
	})
	if !probe.Success {
		c.setPhase(model.PhaseOffline)
		return fmt.Errorf("device unresponsive after %d attempts: %w", probe.Attempts, probe.Err)
	}
	c.life.Set(eventbus.BitDeviceResponsive)
	log.Debug().Int("attempts", probe.Attempts).Msg("Responsiveness probe passed")

	if err := c.readModuleSettings(); err != nil {
		c.setPhase(model.PhaseError)
		return fmt.Errorf("failed to read module settings: %w", err)
	}

	if cfg.ResetRelaysOnInit {
		if err := c.baselineReset(); err != nil {
			c.setPhase(model.PhaseError)
			return fmt.Errorf("failed to reset relays to baseline: %w", err)
		}
	}

	if cfg.SkipRelayStateRead {
		log.Warn().Msg("Relay state read skipped; channels remain unconfirmed")
	} else {
		if err := c.seedRelayStates(); err != nil {
			c.setPhase(model.PhaseError)
			return fmt.Errorf("failed to read relay states: %w", err)
		}
	}
	c.life.Set(eventbus.BitRelayConfigLoaded)

	c.setPhase(model.PhaseReady)
	return nil
}

// WaitForInitComplete blocks until both lifecycle bits are up or the
// timeout elapses.
func (c *Controller) WaitForInitComplete(timeout time.Duration) bool {
	const mask = eventbus.BitDeviceResponsive | eventbus.BitRelayConfigLoaded
	deadline := c.Now().Add(timeout)
	for {
		missing := mask &^ c.life.Get()
		if missing == 0 {
			return true
		}
		remaining := deadline.Sub(c.Now())
		if remaining <= 0 {
			return false
		}
		c.life.WaitAny(missing, false, remaining)
	}
}

// Recover probes an offline device and re-runs initialization on success.
// Offline is only ever left through a fresh probe.
func (c *Controller) Recover(cfg InitConfig) error {
	if !c.IsOffline() {
		return nil
	}
	if !c.probeOffline() {
		return fmt.Errorf("device still unresponsive: %w", model.ErrTransport)
	}
	if err := c.store.InvalidateAll(); err != nil {
		return err
	}
	return c.Initialize(cfg)
}

// probeOffline issues the active probe directly; the passive window and the
// read() short-circuit both assume an online device.
func (c *Controller) probeOffline() bool {
	values, err := c.tr.ReadRegisters(protocol.RegReplyDelay, 1)
	if err != nil {
		return false
	}
	c.recordResponse(transport.Response{Kind: transport.KindReadRegisters, Address: protocol.RegReplyDelay, Values: values})
	return true
}

// MarkOffline is called when a collaborator concludes the device is gone
// (e.g. the status observer's probes fail repeatedly).
func (c *Controller) MarkOffline(reason error) {
	if c.IsOffline() {
		return
	}
	log.Warn().Err(reason).Msg("Marking device offline; all transport calls will short-circuit")
	c.setPhase(model.PhaseOffline)
	c.life.Clear(eventbus.BitDeviceResponsive)
}

// Settings read: one batch over the 0x00FC-0x00FF block, per-register
// fallback so one bad read doesn't block the device.
func (c *Controller) readModuleSettings() error {
	var regs []uint16
	res := c.initRetry.Do(func() error {
		var err error
		regs, err = c.read(protocol.RegReplyDelay, 4)
		return err
	})
	if !res.Success {
		log.Warn().Err(res.Err).Msg("Batch settings read failed, falling back to per-register reads")
		regs = make([]uint16, 4)
		for i, addr := range []uint16{protocol.RegReplyDelay, protocol.RegBusAddress, protocol.RegBaudRate, protocol.RegParity} {
			i, addr := i, addr
			one := c.initRetry.Do(func() error {
				vals, err := c.read(addr, 1)
				if err != nil {
					return err
				}
				regs[i] = vals[0]
				return nil
			})
			if !one.Success {
				return one.Err
			}
		}
	}

	settings, err := parseSettings(regs)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.settings = settings
	c.settingsKnown = true
	c.mu.Unlock()

	log.Info().
		Uint8("address", settings.Address).
		Int("baud", settings.BaudRate).
		Str("parity", settings.Parity.String()).
		Int("reply_delay_ms", protocol.ReplyDelayToMs(settings.ReplyDelayUnits)).
		Msg("Module settings read")
	return nil
}

func parseSettings(regs []uint16) (model.ModuleSettings, error) {
	if len(regs) < 4 {
		return model.ModuleSettings{}, fmt.Errorf("settings block truncated: got %d registers", len(regs))
	}
	baud, ok := protocol.BaudFromCode(regs[2])
	if !ok {
		return model.ModuleSettings{}, fmt.Errorf("invalid baud code 0x%04X", regs[2])
	}
	parity, ok := protocol.ParityFromCode(regs[3])
	if !ok {
		return model.ModuleSettings{}, fmt.Errorf("invalid parity code 0x%04X", regs[3])
	}
	return model.ModuleSettings{
		Address:         uint8(regs[1]),
		BaudRate:        baud,
		Parity:          parity,
		ReplyDelayUnits: uint8(regs[0]),
	}, nil
}

// ResetAllChannels forces every output off and cancels any running delay
// timers. Safe to call at any time after initialization.
func (c *Controller) ResetAllChannels() error {
	if c.Phase() == model.PhaseUninitialized {
		return model.ErrNotInitialized
	}
	return c.baselineReset()
}

// baselineReset writes DELAY-0 to all eight channels in one transaction.
// ALL_OFF does not cancel delay timers left over from a previous run;
// DELAY-0 is the only command that does.
func (c *Controller) baselineReset() error {
	values := make([]uint16, model.NumChannels)
	for i := range values {
		values[i] = protocol.CmdDelayBase
	}
	res := c.initRetry.Do(func() error {
		return c.writeMultiple(protocol.RegChannelBase, values)
	})
	if !res.Success {
		return res.Err
	}
	for ch := 1; ch <= model.NumChannels; ch++ {
		if err := c.store.ApplyCommand(ch, model.ActionDelay, 0); err != nil {
			return err
		}
	}
	log.Debug().Msg("All channels reset to OFF baseline (DELAY-0 sweep)")
	return nil
}

// seedRelayStates batch-reads all channel statuses; a batch failure falls
// back to per-channel reads so a partial hardware fault doesn't block the
// whole device.
func (c *Controller) seedRelayStates() error {
	var states [model.NumChannels]bool

	res := c.initRetry.Do(func() error {
		regs, err := c.read(protocol.RegReadBase, model.NumChannels)
		if err != nil {
			return err
		}
		if len(regs) < model.NumChannels {
			return fmt.Errorf("short status read: %d registers", len(regs))
		}
		for i, v := range regs {
			states[i] = protocol.DecodeStatus(v)
		}
		return nil
	})
	if !res.Success {
		log.Warn().Err(res.Err).Msg("Batch status read failed, falling back to per-channel reads")
		for ch := 1; ch <= model.NumChannels; ch++ {
			ch := ch
			addr := protocol.RegReadBase + uint16(ch-1)
			one := c.initRetry.Do(func() error {
				regs, err := c.read(addr, 1)
				if err != nil {
					return err
				}
				states[ch-1] = protocol.DecodeStatus(regs[0])
				return nil
			})
			if !one.Success {
				return fmt.Errorf("channel %d status read: %w", ch, one.Err)
			}
		}
	}

	return c.store.SeedAll(states)
}

// Bus access. Offline short-circuits with a transport error at zero I/O
// cost; successful responses are recorded for the passive probe and queued
// for dispatch.

func (c *Controller) read(addr, quantity uint16) ([]uint16, error) {
	if c.IsOffline() {
		return nil, fmt.Errorf("device offline: %w", model.ErrTransport)
	}
	values, err := c.tr.ReadRegisters(addr, quantity)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, model.ErrTransport)
	}
	c.recordResponse(transport.Response{Kind: transport.KindReadRegisters, Address: addr, Values: values})
	return values, nil
}

func (c *Controller) write(addr, value uint16) error {
	if c.IsOffline() {
		return fmt.Errorf("device offline: %w", model.ErrTransport)
	}
	if err := c.tr.WriteRegister(addr, value); err != nil {
		return fmt.Errorf("%s: %w", err, model.ErrTransport)
	}
	c.recordResponse(transport.Response{Kind: transport.KindWriteSingle, Address: addr, Values: []uint16{value}})
	return nil
}

func (c *Controller) writeMultiple(addr uint16, values []uint16) error {
	if c.IsOffline() {
		return fmt.Errorf("device offline: %w", model.ErrTransport)
	}
	if err := c.tr.WriteRegisters(addr, values); err != nil {
		return fmt.Errorf("%s: %w", err, model.ErrTransport)
	}
	c.recordResponse(transport.Response{Kind: transport.KindWriteMultiple, Address: addr, Values: values})
	return nil
}

// recordResponse never blocks: the dispatch queue is bounded and an
// overflow drops the response and counts it. The synchronous caller already
// holds the payload it needs; dispatch only feeds the shared cache.
func (c *Controller) recordResponse(resp transport.Response) {
	c.mu.Lock()
	c.lastResponse = c.Now()
	c.mu.Unlock()

	select {
	case c.responses <- resp:
	default:
		n := c.dropped.Add(1)
		log.Warn().Uint64("dropped_total", n).Msg("Dispatch queue full, response dropped")
	}
}

func (c *Controller) dispatchLoop() {
	defer close(c.done)
	for {
		select {
		case resp := <-c.responses:
			c.dispatch(resp)
		case <-c.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case resp := <-c.responses:
					c.dispatch(resp)
				default:
					return
				}
			}
		}
	}
}

func (c *Controller) dispatch(resp transport.Response) {
	switch resp.Kind {
	case transport.KindReadRegisters:
		c.dispatchRead(resp)
	case transport.KindWriteSingle:
		c.dispatchWrite(resp)
	}
	// Write-multiple expectations are applied synchronously by the caller.
}

func (c *Controller) dispatchRead(resp transport.Response) {
	// Channel status reads land in the store; config-block reads refresh
	// the settings cache. The bitmap register is decoded synchronously by
	// ReadBitmapStatus because only updateCache=true reads may touch the
	// cache.
	for i, v := range resp.Values {
		addr := resp.Address + uint16(i)
		if ch, ok := protocol.ChannelFromReadRegister(addr); ok {
			if err := c.store.SetConfirmed(ch, protocol.DecodeStatus(v)); err != nil {
				log.Error().Err(err).Int("channel", ch).Msg("Failed to apply status response")
			}
			continue
		}
		c.applyConfigValue(addr, v)
	}
}

func (c *Controller) dispatchWrite(resp transport.Response) {
	if len(resp.Values) == 0 {
		return
	}
	addr, v := resp.Address, resp.Values[0]
	switch addr {
	case protocol.RegFactoryReset:
		c.mu.Lock()
		c.settingsKnown = false
		c.mu.Unlock()
		if err := c.store.InvalidateAll(); err != nil {
			log.Error().Err(err).Msg("Failed to invalidate state after factory reset")
		}
	case protocol.RegReplyDelay, protocol.RegBusAddress, protocol.RegBaudRate, protocol.RegParity:
		c.applyConfigValue(addr, v)
	}
}

func (c *Controller) applyConfigValue(addr, v uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch addr {
	case protocol.RegReplyDelay:
		c.settings.ReplyDelayUnits = uint8(v)
	case protocol.RegBusAddress:
		c.settings.Address = uint8(v)
	case protocol.RegBaudRate:
		if baud, ok := protocol.BaudFromCode(v); ok {
			c.settings.BaudRate = baud
		}
	case protocol.RegParity:
		if p, ok := protocol.ParityFromCode(v); ok {
			c.settings.Parity = p
		}
	}
}

// replyDelay is the pause the board wants between a write and its readback.
func (c *Controller) replyDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.settingsKnown {
		return protocol.ReplyDelayUnitMs * time.Millisecond
	}
	d := time.Duration(protocol.ReplyDelayToMs(c.settings.ReplyDelayUnits)) * time.Millisecond
	if d == 0 {
		d = protocol.ReplyDelayUnitMs * time.Millisecond
	}
	return d
}
