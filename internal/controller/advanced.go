package controller

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/protocol"
)

// ReadDeviceInfo pulls the identity block (device type, firmware) and the
// configuration block in two transactions.
func (c *Controller) ReadDeviceInfo() (model.DeviceInfo, error) {
	var info model.DeviceInfo

	ident, err := c.read(protocol.RegDeviceType, 3)
	if err != nil {
		return info, fmt.Errorf("identity block read: %w", err)
	}
	if len(ident) < 3 {
		return info, fmt.Errorf("short identity read: %d registers: %w", len(ident), model.ErrTransport)
	}

	cfg, err := c.read(protocol.RegReplyDelay, 4)
	if err != nil {
		return info, fmt.Errorf("config block read: %w", err)
	}
	settings, err := parseSettings(cfg)
	if err != nil {
		return info, err
	}

	info = model.DeviceInfo{
		DeviceType:      ident[0],
		FirmwareMajor:   uint8(ident[1]),
		FirmwareMinor:   uint8(ident[2]),
		Address:         settings.Address,
		BaudRate:        settings.BaudRate,
		Parity:          settings.Parity,
		ReplyDelayUnits: settings.ReplyDelayUnits,
	}

	log.Info().
		Str("device_type", fmt.Sprintf("0x%04X", info.DeviceType)).
		Str("firmware", fmt.Sprintf("%d.%d", info.FirmwareMajor, info.FirmwareMinor)).
		Uint8("address", info.Address).
		Msg("Device info read")
	return info, nil
}

// VerifyHardware cross-checks the board's DIP-switch address against the
// address this controller was configured to talk to. A mismatch usually
// means a response from the wrong slave on a multi-drop line.
func (c *Controller) VerifyHardware() (bool, error) {
	info, err := c.ReadDeviceInfo()
	if err != nil {
		return false, err
	}
	if info.Address != c.slaveID {
		log.Warn().
			Uint8("dip_address", info.Address).
			Uint8("configured", c.slaveID).
			Msg("Bus address mismatch between DIP switches and configuration")
		return false, nil
	}
	return true, nil
}

// FactoryReset restores the board's default configuration. The settings
// cache and every confirmation flag are invalidated; the caller should
// re-initialize afterwards.
func (c *Controller) FactoryReset() error {
	if err := c.write(protocol.RegFactoryReset, protocol.FactoryResetValue); err != nil {
		return fmt.Errorf("factory reset write: %w", err)
	}
	log.Warn().Msg("Factory reset issued; settings cache and state confirmations invalidated")
	return nil
}

// ReplyDelay returns the board's configured reply delay in milliseconds,
// reading the register when the cache is cold.
func (c *Controller) ReplyDelay() (int, error) {
	c.mu.Lock()
	known := c.settingsKnown
	units := c.settings.ReplyDelayUnits
	c.mu.Unlock()
	if known {
		return protocol.ReplyDelayToMs(units), nil
	}

	regs, err := c.read(protocol.RegReplyDelay, 1)
	if err != nil {
		return 0, err
	}
	return protocol.ReplyDelayToMs(uint8(regs[0])), nil
}

// SetReplyDelay rounds to the nearest 40 ms unit (clamped to the register
// range) and writes it.
func (c *Controller) SetReplyDelay(ms int) error {
	units := protocol.MsToReplyDelay(ms)
	if err := c.write(protocol.RegReplyDelay, uint16(units)); err != nil {
		return fmt.Errorf("reply delay write: %w", err)
	}
	log.Info().Int("requested_ms", ms).Uint8("units", units).Msg("Reply delay updated")
	return nil
}

// SetParity reconfigures the board's line parity. Takes effect on the
// board's next power cycle; the local serial port must be reconfigured to
// match.
func (c *Controller) SetParity(p model.Parity) error {
	if err := c.write(protocol.RegParity, protocol.CodeFromParity(p)); err != nil {
		return fmt.Errorf("parity write: %w", err)
	}
	log.Info().Str("parity", p.String()).Msg("Parity updated")
	return nil
}
