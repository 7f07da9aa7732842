package db

import (
	"database/sql"
	"fmt"
	"time"
)

// CLI helpers for relayctl: open, act, close. Not used by the daemon.

func DumpChannelsCLI(dbPath string) error {
	handle, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer handle.Close()

	channels, err := GetAllChannels(handle)
	if err != nil {
		return err
	}

	for i, ch := range channels {
		confirmed := "unconfirmed"
		if ch.StateConfirmed {
			confirmed = "confirmed"
		}
		fmt.Printf("channel %d: on=%v mode=%s %s last_update=%s\n",
			i+1, ch.IsOn, ch.Mode, confirmed, ch.LastUpdate.Format(time.RFC3339))
	}
	return nil
}

func DumpCommandLogCLI(dbPath string, limit int) error {
	handle, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer handle.Close()

	records, err := RecentCommands(handle, limit)
	if err != nil {
		return err
	}

	for _, rec := range records {
		status := "ok"
		if !rec.Success {
			status = "failed: " + rec.Error
		}
		fmt.Printf("%s channel=%d action=%s delay=%d %s\n",
			rec.Timestamp.Format(time.RFC3339), rec.Channel, rec.Action, rec.DelaySeconds, status)
	}
	return nil
}

func PruneCommandLogCLI(dbPath string, keep int) error {
	handle, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer handle.Close()
	return PruneCommandLog(handle, keep)
}
