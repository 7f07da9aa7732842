package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

// GetChannel retrieves the persisted state of one relay channel.
func GetChannel(handle *sql.DB, ch int) (model.RelayChannel, error) {
	var state model.RelayChannel
	if !model.ValidChannel(ch) {
		return state, fmt.Errorf("channel %d: %w", ch, model.ErrInvalidIndex)
	}

	var mode string
	var lastUpdate sql.NullString
	err := handle.QueryRow(`SELECT is_on, mode, state_confirmed, last_command_success, last_update FROM relay_channels WHERE channel = ?`, ch).
		Scan(&state.IsOn, &mode, &state.StateConfirmed, &state.LastCommandSuccess, &lastUpdate)
	if err != nil {
		return state, fmt.Errorf("failed to get channel %d: %w", ch, err)
	}

	state.Mode, _ = model.ModeFromString(mode)
	if lastUpdate.Valid {
		state.LastUpdate, _ = time.Parse(time.RFC3339, lastUpdate.String)
	}
	return state, nil
}

// GetAllChannels retrieves all eight channels ordered by channel number.
func GetAllChannels(handle *sql.DB) ([model.NumChannels]model.RelayChannel, error) {
	var out [model.NumChannels]model.RelayChannel

	rows, err := handle.Query(`SELECT channel, is_on, mode, state_confirmed, last_command_success, last_update FROM relay_channels ORDER BY channel`)
	if err != nil {
		return out, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ch int
		var state model.RelayChannel
		var mode string
		var lastUpdate sql.NullString
		if err := rows.Scan(&ch, &state.IsOn, &mode, &state.StateConfirmed, &state.LastCommandSuccess, &lastUpdate); err != nil {
			return out, fmt.Errorf("failed to scan channel: %w", err)
		}
		state.Mode, _ = model.ModeFromString(mode)
		if lastUpdate.Valid {
			state.LastUpdate, _ = time.Parse(time.RFC3339, lastUpdate.String)
		}
		if model.ValidChannel(ch) {
			out[ch-1] = state
		}
	}
	return out, rows.Err()
}

// GetModuleInfo retrieves the persisted module identity block.
func GetModuleInfo(handle *sql.DB) (model.DeviceInfo, time.Time, error) {
	var info model.DeviceInfo
	var parity string
	var lastSeen sql.NullString

	err := handle.QueryRow(`SELECT device_type, fw_major, fw_minor, address, baud_rate, parity, reply_delay_units, last_seen FROM module WHERE id = 1`).
		Scan(&info.DeviceType, &info.FirmwareMajor, &info.FirmwareMinor, &info.Address, &info.BaudRate, &parity, &info.ReplyDelayUnits, &lastSeen)
	if err != nil {
		return info, time.Time{}, fmt.Errorf("failed to get module info: %w", err)
	}

	info.Parity, _ = model.ParityFromString(parity)

	var seen time.Time
	if lastSeen.Valid {
		seen, _ = time.Parse(time.RFC3339, lastSeen.String)
	}
	return info, seen, nil
}

// CommandRecord is one row of the audit log.
type CommandRecord struct {
	ID           int64
	Timestamp    time.Time
	Channel      int
	Action       string
	DelaySeconds int
	Success      bool
	Error        string
}

// RecentCommands returns the newest audit log entries, newest first.
func RecentCommands(handle *sql.DB, limit int) ([]CommandRecord, error) {
	rows, err := handle.Query(`SELECT id, ts, channel, action, delay_seconds, success, error FROM command_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query command log: %w", err)
	}
	defer rows.Close()

	var records []CommandRecord
	for rows.Next() {
		var rec CommandRecord
		var ts string
		var errText sql.NullString
		if err := rows.Scan(&rec.ID, &ts, &rec.Channel, &rec.Action, &rec.DelaySeconds, &rec.Success, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
		if errText.Valid {
			rec.Error = errText.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
