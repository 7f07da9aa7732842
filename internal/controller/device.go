package controller

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/eventbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/protocol"
)

// ControlChannel fires one command at one channel. Runtime commands are not
// retried here: on failure the caller re-enqueues, so the bus guard is
// never held across repeated failed attempts. Success means the write was
// accepted; the resulting state is an unconfirmed expectation until a
// readback lands.
func (c *Controller) ControlChannel(ch int, action model.RelayAction, delaySeconds uint8) error {
	if c.Phase() == model.PhaseUninitialized {
		return model.ErrNotInitialized
	}
	if action.Broadcast() {
		return c.controlBroadcast(action)
	}
	if !model.ValidChannel(ch) {
		return fmt.Errorf("channel %d: %w", ch, model.ErrInvalidIndex)
	}
	if action != model.ActionDelay && delaySeconds != 0 {
		return fmt.Errorf("delay seconds on %s command: %w", action, model.ErrInvalidIndex)
	}

	cmd := protocol.EncodeCommand(action, delaySeconds)
	res := c.runtimeRetry.Do(func() error {
		return c.write(protocol.ChannelRegister(ch), cmd)
	})
	if !res.Success {
		if err := c.store.MarkCommandFailed(ch); err != nil {
			log.Error().Err(err).Int("channel", ch).Msg("Failed to record command failure")
		}
		c.events.Set(eventbus.ErrorBit(ch))
		return fmt.Errorf("channel %d %s command: %w", ch, action, res.Err)
	}

	if err := c.store.ApplyCommand(ch, action, delaySeconds); err != nil {
		return err
	}
	c.events.Clear(eventbus.ErrorBit(ch))
	c.events.Set(eventbus.UpdateBit(ch))

	log.Debug().
		Int("channel", ch).
		Str("action", action.String()).
		Uint8("delay_s", delaySeconds).
		Str("wire", fmt.Sprintf("0x%04X", cmd)).
		Msg("Relay command written")
	return nil
}

// controlBroadcast writes ALL_ON/ALL_OFF to the broadcast register. Note
// that ALL_OFF does not cancel active delay timers; callers that need a
// guaranteed all-off use the DELAY-0 sweep instead.
func (c *Controller) controlBroadcast(action model.RelayAction) error {
	cmd := protocol.EncodeCommand(action, 0)
	res := c.runtimeRetry.Do(func() error {
		return c.write(0x0000, cmd)
	})
	if !res.Success {
		return fmt.Errorf("broadcast %s command: %w", action, res.Err)
	}

	on := action == model.ActionAllOn
	for ch := 1; ch <= model.NumChannels; ch++ {
		a := model.ActionTurnOff
		if on {
			a = model.ActionTurnOn
		}
		if err := c.store.ApplyCommand(ch, a, 0); err != nil {
			return err
		}
		c.events.Set(eventbus.UpdateBit(ch))
	}
	return nil
}

// ControlChannelVerified adds a bounded wait and an explicit readback. A
// mismatch sets the channel's error bit and returns ErrUnknown rather than
// pretending the command failed outright; the command was accepted, the
// hardware just disagrees.
//
// A known hardware wrinkle leaks into verification: OFF is ignored while a
// DELAY timer runs on the channel, so an OFF that reads back ON is reported
// as a mismatch, which is exactly what the hardware did.
func (c *Controller) ControlChannelVerified(ch int, action model.RelayAction, delaySeconds uint8) error {
	if action.Broadcast() {
		return fmt.Errorf("broadcast commands cannot be verified per-channel: %w", model.ErrInvalidIndex)
	}
	if !model.ValidChannel(ch) {
		return fmt.Errorf("channel %d: %w", ch, model.ErrInvalidIndex)
	}

	// Toggle has no absolute target; capture the expectation before the
	// write flips the believed state.
	expected, hasExpected := expectedState(action, delaySeconds)
	if action == model.ActionToggle {
		cur, _, err := c.store.Get(ch)
		if err != nil {
			return err
		}
		expected, hasExpected = !cur, true
	}

	c.events.Clear(eventbus.UpdateBit(ch))
	if err := c.ControlChannel(ch, action, delaySeconds); err != nil {
		return err
	}

	c.sleep(c.replyDelay())
	if matched := c.events.WaitAny(eventbus.UpdateBit(ch), true, VerifyTimeout); matched == 0 {
		log.Warn().Int("channel", ch).Msg("No update signal before verification readback")
	}

	isOn, err := c.ReadChannelStatus(ch)
	if err != nil {
		return fmt.Errorf("verification readback: %w", err)
	}

	if hasExpected && isOn != expected {
		c.events.Set(eventbus.ErrorBit(ch))
		return fmt.Errorf("channel %d commanded %s but reads %v: %w", ch, action, isOn, model.ErrUnknown)
	}
	return nil
}

// expectedState maps a command to the state a readback should report.
// Momentary pulses release on their own, so there is no stable expectation.
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

// SetChannels writes a batch of absolute states in one write-multiple
// transaction. Nil entries keep the channel's believed state so the batch
// never glitches an untargeted output.
func (c *Controller) SetChannels(desired [model.NumChannels]*bool) error {
	if c.Phase() == model.PhaseUninitialized {
		return model.ErrNotInitialized
	}

	believed, err := c.store.SnapshotAll()
	if err != nil {
		return err
	}

	values := make([]uint16, model.NumChannels)
	for i := range values {
		target := believed[i]
		if desired[i] != nil {
			target = *desired[i]
		}
		values[i] = protocol.BoolToCommand(target)
	}

	res := c.runtimeRetry.Do(func() error {
		return c.writeMultiple(protocol.RegChannelBase, values)
	})
	if !res.Success {
		for ch := 1; ch <= model.NumChannels; ch++ {
			if desired[ch-1] != nil {
				c.events.Set(eventbus.ErrorBit(ch))
			}
		}
		return fmt.Errorf("batch state write: %w", res.Err)
	}

	for ch := 1; ch <= model.NumChannels; ch++ {
		if desired[ch-1] == nil {
			continue
		}
		action := model.ActionTurnOff
		if *desired[ch-1] {
			action = model.ActionTurnOn
		}
		if err := c.store.ApplyCommand(ch, action, 0); err != nil {
			return err
		}
		c.events.Clear(eventbus.ErrorBit(ch))
		c.events.Set(eventbus.UpdateBit(ch))
	}
	return nil
}

// SetChannelsVerified confirms a batch against the status bitmap.
func (c *Controller) SetChannelsVerified(desired [model.NumChannels]*bool) error {
	if err := c.SetChannels(desired); err != nil {
		return err
	}

	c.sleep(c.replyDelay())
	bitmap, err := c.ReadBitmapStatus(true)
	if err != nil {
		return fmt.Errorf("batch verification readback: %w", err)
	}

	var mismatched []int
	for ch := 1; ch <= model.NumChannels; ch++ {
		if desired[ch-1] == nil {
			continue
		}
		actual := bitmap&(1<<uint(ch-1)) != 0
		if actual != *desired[ch-1] {
			c.events.Set(eventbus.ErrorBit(ch))
			mismatched = append(mismatched, ch)
		}
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("channels %v disagree with commanded state: %w", mismatched, model.ErrUnknown)
	}
	return nil
}

// SetChannelCommands writes a heterogeneous batch (different actions,
// per-channel delays) as one write-multiple transaction. Channels without
// an entry keep their believed state.
func (c *Controller) SetChannelCommands(cmds []model.ChannelCommand) error {
	if c.Phase() == model.PhaseUninitialized {
		return model.ErrNotInitialized
	}
	if len(cmds) == 0 {
		return nil
	}

	believed, err := c.store.SnapshotAll()
	if err != nil {
		return err
	}

	values := make([]uint16, model.NumChannels)
	for i := range values {
		values[i] = protocol.BoolToCommand(believed[i])
	}

	targeted := make(map[int]model.ChannelCommand, len(cmds))
	for _, cmd := range cmds {
		if !model.ValidChannel(cmd.Channel) {
			return fmt.Errorf("channel %d: %w", cmd.Channel, model.ErrInvalidIndex)
		}
		if cmd.Action.Broadcast() {
			return fmt.Errorf("broadcast action in channel batch: %w", model.ErrInvalidIndex)
		}
		if cmd.Action != model.ActionDelay && cmd.DelaySeconds != 0 {
			return fmt.Errorf("delay seconds on %s command: %w", cmd.Action, model.ErrInvalidIndex)
		}
		values[cmd.Channel-1] = protocol.EncodeCommand(cmd.Action, cmd.DelaySeconds)
		targeted[cmd.Channel] = cmd
	}

	res := c.runtimeRetry.Do(func() error {
		return c.writeMultiple(protocol.RegChannelBase, values)
	})
	if !res.Success {
		for ch := range targeted {
			c.events.Set(eventbus.ErrorBit(ch))
		}
		return fmt.Errorf("batch command write: %w", res.Err)
	}

	for ch, cmd := range targeted {
		if err := c.store.ApplyCommand(ch, cmd.Action, cmd.DelaySeconds); err != nil {
			return err
		}
		c.events.Clear(eventbus.ErrorBit(ch))
		c.events.Set(eventbus.UpdateBit(ch))
	}
	return nil
}

// ReadChannelStatus reads one channel's status register. The response also
// flows through the dispatcher into the store.
func (c *Controller) ReadChannelStatus(ch int) (bool, error) {
	if !model.ValidChannel(ch) {
		return false, fmt.Errorf("channel %d: %w", ch, model.ErrInvalidIndex)
	}
	regs, err := c.read(protocol.RegReadBase+uint16(ch-1), 1)
	if err != nil {
		return false, err
	}
	return protocol.DecodeStatus(regs[0]), nil
}

// ReadAllStatus reads all eight channel registers in one transaction.
func (c *Controller) ReadAllStatus() ([model.NumChannels]bool, error) {
	var out [model.NumChannels]bool
	regs, err := c.read(protocol.RegReadBase, model.NumChannels)
	if err != nil {
		return out, err
	}
	if len(regs) < model.NumChannels {
		return out, fmt.Errorf("short status read: %d registers: %w", len(regs), model.ErrTransport)
	}
	for i, v := range regs {
		out[i] = protocol.DecodeStatus(v)
	}
	return out, nil
}

// ReadBitmapStatus reads the packed status register (bit i = channel i+1).
// With updateCache the store is seeded from the bitmap in one shot and the
// relay-config lifecycle bit is refreshed.
func (c *Controller) ReadBitmapStatus(updateCache bool) (uint8, error) {
	regs, err := c.read(protocol.RegStatusBitmap, 1)
	if err != nil {
		return 0, err
	}
	bitmap := uint8(regs[0])

	if updateCache {
		var states [model.NumChannels]bool
		for i := range states {
			states[i] = bitmap&(1<<uint(i)) != 0
		}
		if err := c.store.SeedAll(states); err != nil {
			return bitmap, err
		}
		c.life.Set(eventbus.BitRelayConfigLoaded)
	}
	return bitmap, nil
}
