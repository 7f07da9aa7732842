package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

func UpdateModuleInfo(handle *sql.DB, info model.DeviceInfo) error {
	tx, err := handle.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`UPDATE module SET device_type = ?, fw_major = ?, fw_minor = ?, address = ?, baud_rate = ?, parity = ?, reply_delay_units = ?, last_seen = ? WHERE id = 1`,
		info.DeviceType, info.FirmwareMajor, info.FirmwareMinor, info.Address, info.BaudRate, info.Parity.String(), info.ReplyDelayUnits, time.Now().Format(time.RFC3339))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update module info: %w", err)
	}
	return tx.Commit()
}

func UpdateModuleLastSeen(handle *sql.DB, seen time.Time) error {
	tx, err := handle.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`UPDATE module SET last_seen = ? WHERE id = 1`, seen.Format(time.RFC3339))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update module last_seen: %w", err)
	}
	return tx.Commit()
}

func UpdateChannel(handle *sql.DB, ch int, state model.RelayChannel) error {
	if !model.ValidChannel(ch) {
		return fmt.Errorf("channel %d: %w", ch, model.ErrInvalidIndex)
	}
	tx, err := handle.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`UPDATE relay_channels SET is_on = ?, mode = ?, state_confirmed = ?, last_command_success = ?, last_update = ? WHERE channel = ?`,
		state.IsOn, state.Mode.String(), state.StateConfirmed, state.LastCommandSuccess, formatTime(state.LastUpdate), ch)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update channel %d: %w", ch, err)
	}
	return tx.Commit()
}

// SaveSnapshot persists all eight channels in one transaction.
func SaveSnapshot(handle *sql.DB, channels [model.NumChannels]model.RelayChannel) error {
	tx, err := handle.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	for i, state := range channels {
		_, err = tx.Exec(`UPDATE relay_channels SET is_on = ?, mode = ?, state_confirmed = ?, last_command_success = ?, last_update = ? WHERE channel = ?`,
			state.IsOn, state.Mode.String(), state.StateConfirmed, state.LastCommandSuccess, formatTime(state.LastUpdate), i+1)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("snapshot channel %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}

// RecordCommand appends one row to the audit log.
func RecordCommand(handle *sql.DB, cmd model.PendingCommand, cmdErr error) error {
	var errText interface{}
	if cmdErr != nil {
		errText = cmdErr.Error()
	}

	tx, err := handle.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO command_log (ts, channel, action, delay_seconds, success, error) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().Format(time.RFC3339), cmd.Channel, cmd.Action.String(), cmd.DelaySeconds, cmdErr == nil, errText)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("record command: %w", err)
	}
	return tx.Commit()
}

// PruneCommandLog keeps the audit log from growing without bound.
func PruneCommandLog(handle *sql.DB, keep int) error {
	tx, err := handle.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`DELETE FROM command_log WHERE id NOT IN (SELECT id FROM command_log ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prune command log: %w", err)
	}
	return tx.Commit()
}
