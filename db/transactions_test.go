package db

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relay-controller/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	handle, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })

	require.NoError(t, ApplyMigrations(handle))
	return handle
}

func TestMigrationsSeedAllChannels(t *testing.T) {
	handle := openTestDB(t)

	channels, err := GetAllChannels(handle)
	require.NoError(t, err)

	for i, ch := range channels {
		assert.False(t, ch.IsOn, "channel %d should seed off", i+1)
		assert.False(t, ch.StateConfirmed, "channel %d should seed unconfirmed", i+1)
		assert.Equal(t, model.ModeNormal, ch.Mode)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	handle := openTestDB(t)

	state := model.RelayChannel{IsOn: true, Mode: model.ModeLatched, StateConfirmed: true, LastCommandSuccess: true, LastUpdate: time.Now()}
	require.NoError(t, UpdateChannel(handle, 3, state))

	// Re-applying must not clobber existing rows.
	require.NoError(t, ApplyMigrations(handle))

	got, err := GetChannel(handle, 3)
	require.NoError(t, err)
	assert.True(t, got.IsOn)
	assert.Equal(t, model.ModeLatched, got.Mode)
}

func TestUpdateChannelRoundTrip(t *testing.T) {
	handle := openTestDB(t)

	now := time.Now().Truncate(time.Second)
	state := model.RelayChannel{
		IsOn:               true,
		Mode:               model.ModeDelay,
		StateConfirmed:     true,
		LastCommandSuccess: true,
		LastUpdate:         now,
	}
	require.NoError(t, UpdateChannel(handle, 5, state))

	got, err := GetChannel(handle, 5)
	require.NoError(t, err)
	assert.True(t, got.IsOn)
	assert.Equal(t, model.ModeDelay, got.Mode)
	assert.True(t, got.StateConfirmed)
	assert.WithinDuration(t, now, got.LastUpdate, time.Second)
}

func TestUpdateChannelRejectsBadIndex(t *testing.T) {
	handle := openTestDB(t)

	err := UpdateChannel(handle, 0, model.RelayChannel{})
	assert.ErrorIs(t, err, model.ErrInvalidIndex)
	err = UpdateChannel(handle, 9, model.RelayChannel{})
	assert.ErrorIs(t, err, model.ErrInvalidIndex)
}

func TestSaveSnapshotPersistsAllChannels(t *testing.T) {
	handle := openTestDB(t)

	var channels [model.NumChannels]model.RelayChannel
	channels[0].IsOn = true
	channels[7].IsOn = true
	channels[7].Mode = model.ModeMomentary
	require.NoError(t, SaveSnapshot(handle, channels))

	got, err := GetAllChannels(handle)
	require.NoError(t, err)
	assert.True(t, got[0].IsOn)
	assert.True(t, got[7].IsOn)
	assert.Equal(t, model.ModeMomentary, got[7].Mode)
	assert.False(t, got[3].IsOn)
}

func TestModuleInfoRoundTrip(t *testing.T) {
	handle := openTestDB(t)

	info := model.DeviceInfo{
		DeviceType:      0x0008,
		FirmwareMajor:   1,
		FirmwareMinor:   2,
		Address:         0x02,
		BaudRate:        9600,
		Parity:          model.ParityEven,
		ReplyDelayUnits: 1,
	}
	require.NoError(t, UpdateModuleInfo(handle, info))

	got, seen, err := GetModuleInfo(handle)
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.WithinDuration(t, time.Now(), seen, 5*time.Second)
}

func TestCommandLogRecordsAndPrunes(t *testing.T) {
	handle := openTestDB(t)

	for i := 0; i < 5; i++ {
		cmd := model.PendingCommand{Action: model.ActionToggle, Channel: i + 1}
		var cmdErr error
		if i == 4 {
			cmdErr = errors.New("bus timeout")
		}
		require.NoError(t, RecordCommand(handle, cmd, cmdErr))
	}

	records, err := RecentCommands(handle, 10)
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, 5, records[0].Channel, "newest first")
	assert.False(t, records[0].Success)
	assert.Equal(t, "bus timeout", records[0].Error)
	assert.True(t, records[1].Success)

	require.NoError(t, PruneCommandLog(handle, 2))
	records, err = RecentCommands(handle, 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
