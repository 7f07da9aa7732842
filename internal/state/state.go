// Package state owns the in-memory picture of the eight relay channels.
// One mutex guards the whole array: contention is low, and batch writes
// touching several channels must not be observable half-applied.
package state

import (
	"time"

	"github.com/thatsimonsguy/relay-controller/internal/eventbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

type Store struct {
	mu       chan struct{} // acquired with a bound, see lock()
	channels [model.NumChannels]model.RelayChannel
	bus      *eventbus.Bus

	// Now is overridable in tests.
	Now func() time.Time
}

// GuardTimeout bounds every acquisition of the store guard so no caller can
// stall a supervisory watchdog indefinitely.
const GuardTimeout = 100 * time.Millisecond

func NewStore(bus *eventbus.Bus) *Store {
	s := &Store{
		mu:  make(chan struct{}, 1),
		bus: bus,
		Now: time.Now,
	}
	s.mu <- struct{}{}
	return s
}

func (s *Store) lock() error {
	select {
	case <-s.mu:
		return nil
	case <-time.After(GuardTimeout):
		return model.ErrMutex
	}
}

func (s *Store) unlock() {
	s.mu <- struct{}{}
}

// Get returns a channel's believed state and whether it has been confirmed
// by a readback since the last command.
func (s *Store) Get(ch int) (isOn, confirmed bool, err error) {
	if !model.ValidChannel(ch) {
		return false, false, model.ErrInvalidIndex
	}
	if err := s.lock(); err != nil {
		return false, false, err
	}
	defer s.unlock()
	c := s.channels[ch-1]
	return c.IsOn, c.StateConfirmed, nil
}

// Channel returns the full record for one output.
func (s *Store) Channel(ch int) (model.RelayChannel, error) {
	if !model.ValidChannel(ch) {
		return model.RelayChannel{}, model.ErrInvalidIndex
	}
	if err := s.lock(); err != nil {
		return model.RelayChannel{}, err
	}
	defer s.unlock()
	return s.channels[ch-1], nil
}

// SetConfirmed records a state observed on the wire. A changed value is the
// only path that raises the channel's update bit, which keeps "data
// changed" and "waiters woken" atomic from the caller's perspective. The
// status bit always tracks the confirmed value.
func (s *Store) SetConfirmed(ch int, isOn bool) error {
	if !model.ValidChannel(ch) {
		return model.ErrInvalidIndex
	}
	if err := s.lock(); err != nil {
		return err
	}
	c := &s.channels[ch-1]
	changed := c.IsOn != isOn || !c.StateConfirmed
	c.IsOn = isOn
	c.StateConfirmed = true
	c.LastUpdate = s.Now()
	s.unlock()

	// Bits are flipped after the guard is released; the bus is lock-free
	// and waiters re-read the store anyway.
	if isOn {
		s.bus.Set(eventbus.StatusBit(ch))
	} else {
		s.bus.Clear(eventbus.StatusBit(ch))
	}
	if changed {
		s.bus.Set(eventbus.UpdateBit(ch))
	}
	return nil
}

// SetUnconfirmed marks a channel's state as unknown without touching the
// believed value.
func (s *Store) SetUnconfirmed(ch int) error {
	if !model.ValidChannel(ch) {
		return model.ErrInvalidIndex
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	s.channels[ch-1].StateConfirmed = false
	return nil
}

// ApplyCommand records the expected outcome of a successfully written
// command. The expectation is unconfirmed until a readback arrives; a
// DELAY with seconds=0 is the forced-OFF cancel, everything else in delay
// mode is expected ON until the timer fires.
func (s *Store) ApplyCommand(ch int, action model.RelayAction, delaySeconds uint8) error {
	if !model.ValidChannel(ch) {
		return model.ErrInvalidIndex
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()

	c := &s.channels[ch-1]
	switch action {
	case model.ActionTurnOn:
		c.IsOn = true
		c.Mode = model.ModeNormal
	case model.ActionTurnOff:
		c.IsOn = false
		c.Mode = model.ModeNormal
	case model.ActionToggle:
		c.IsOn = !c.IsOn
		c.Mode = model.ModeNormal
	case model.ActionLatch:
		c.IsOn = true
		c.Mode = model.ModeLatched
	case model.ActionMomentary:
		c.IsOn = true
		c.Mode = model.ModeMomentary
	case model.ActionDelay:
		if delaySeconds == 0 {
			c.IsOn = false
			c.Mode = model.ModeNormal
		} else {
			c.IsOn = true
			c.Mode = model.ModeDelay
		}
	}
	c.LastCommandSuccess = true
	c.StateConfirmed = false
	c.LastUpdate = s.Now()
	return nil
}

// MarkCommandFailed records a write that never made it onto the bus.
func (s *Store) MarkCommandFailed(ch int) error {
	if !model.ValidChannel(ch) {
		return model.ErrInvalidIndex
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	c := &s.channels[ch-1]
	c.LastCommandSuccess = false
	c.StateConfirmed = false
	return nil
}

// SnapshotAll returns all eight believed states under one guard
// acquisition.
func (s *Store) SnapshotAll() ([model.NumChannels]bool, error) {
	var out [model.NumChannels]bool
	if err := s.lock(); err != nil {
		return out, err
	}
	defer s.unlock()
	for i, c := range s.channels {
		out[i] = c.IsOn
	}
	return out, nil
}

// SnapshotChannels returns full copies of all eight channel records under
// one guard acquisition.
func (s *Store) SnapshotChannels() ([model.NumChannels]model.RelayChannel, error) {
	var out [model.NumChannels]model.RelayChannel
	if err := s.lock(); err != nil {
		return out, err
	}
	defer s.unlock()
	copy(out[:], s.channels[:])
	return out, nil
}

// SeedAll installs a full confirmed snapshot (status bitmap read or init
// seed) in one guard acquisition, then raises update bits for the channels
// that changed.
func (s *Store) SeedAll(states [model.NumChannels]bool) error {
	if err := s.lock(); err != nil {
		return err
	}
	var changed [model.NumChannels]bool
	now := s.Now()
	for i := range s.channels {
		c := &s.channels[i]
		changed[i] = c.IsOn != states[i] || !c.StateConfirmed
		c.IsOn = states[i]
		c.StateConfirmed = true
		c.LastUpdate = now
	}
	s.unlock()

	for i := range changed {
		ch := i + 1
		if states[i] {
			s.bus.Set(eventbus.StatusBit(ch))
		} else {
			s.bus.Clear(eventbus.StatusBit(ch))
		}
		if changed[i] {
			s.bus.Set(eventbus.UpdateBit(ch))
		}
	}
	return nil
}

// InvalidateAll drops every confirmation flag, used after a factory reset
// or a recovery from offline.
func (s *Store) InvalidateAll() error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	for i := range s.channels {
		s.channels[i].StateConfirmed = false
	}
	return nil
}
