package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relay-controller/internal/eventbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/state"
)

type fakeController struct {
	phase    model.LifecyclePhase
	offline  bool
	settings model.ModuleSettings
	known    bool
	resets   int
	resetErr error
}

func (c *fakeController) Phase() model.LifecyclePhase { return c.phase }
func (c *fakeController) IsOffline() bool             { return c.offline }

func (c *fakeController) Settings() (model.ModuleSettings, bool) {
	return c.settings, c.known
}

func (c *fakeController) ResetAllChannels() error {
	c.resets++
	return c.resetErr
}

type fakeQueue struct {
	full     bool
	commands []model.PendingCommand
	batches  [][model.NumChannels]*bool
}

func (q *fakeQueue) Enqueue(cmd model.PendingCommand) bool {
	if q.full {
		return false
	}
	q.commands = append(q.commands, cmd)
	return true
}

func (q *fakeQueue) EnqueueBatch(desired [model.NumChannels]*bool) bool {
	if q.full {
		return false
	}
	q.batches = append(q.batches, desired)
	return true
}

func (q *fakeQueue) QueueLen() int { return len(q.commands) }

func setupTestServer(t *testing.T) (*Server, *fakeController, *fakeQueue, *state.Store) {
	t.Helper()
	store := state.NewStore(eventbus.New())
	ctrl := &fakeController{
		phase:    model.PhaseReady,
		settings: model.ModuleSettings{Address: 0x02, BaudRate: 9600, Parity: model.ParityNone, ReplyDelayUnits: 1},
		known:    true,
	}
	queue := &fakeQueue{}
	return NewServer(store, ctrl, queue), ctrl, queue, store
}

func TestGetStatus(t *testing.T) {
	server, _, _, store := setupTestServer(t)
	require.NoError(t, store.SetConfirmed(3, true))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	server.handleStatus(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response StatusResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "ready", response.Phase)
	require.NotNil(t, response.Settings)
	assert.Equal(t, uint8(0x02), response.Settings.Address)
	assert.Equal(t, 40, response.Settings.ReplyDelayMs)
	require.Len(t, response.Channels, 8)
	assert.True(t, response.Channels[2].IsOn)
	assert.False(t, response.Channels[0].IsOn)
}

func TestGetStatusOmitsUnknownSettings(t *testing.T) {
	server, ctrl, _, _ := setupTestServer(t)
	ctrl.known = false

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	server.handleStatus(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Nil(t, response.Settings)
}

func TestGetChannel(t *testing.T) {
	server, _, _, store := setupTestServer(t)
	require.NoError(t, store.SetConfirmed(5, true))

	req := httptest.NewRequest(http.MethodGet, "/channels/5", nil)
	w := httptest.NewRecorder()
	server.handleChannelOperations(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response ChannelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 5, response.Channel)
	assert.True(t, response.IsOn)
	assert.True(t, response.StateConfirmed)
}

func TestCommandChannel(t *testing.T) {
	tests := []struct {
		name           string
		channel        string
		body           CommandRequest
		expectedStatus int
	}{
		{"turn on", "3", CommandRequest{Action: "on"}, http.StatusAccepted},
		{"delay with seconds", "3", CommandRequest{Action: "delay", DelaySeconds: 10},
			http.StatusAccepted},
		{"delay zero cancels", "3", CommandRequest{Action: "delay"}, http.StatusAccepted},
		{"invalid action", "3", CommandRequest{Action: "explode"}, http.StatusBadRequest},
		{"broadcast action on channel", "3", CommandRequest{Action: "all_off"}, http.StatusBadRequest},
		{"delay seconds on plain action", "3", CommandRequest{Action: "on", DelaySeconds: 5}, http.StatusBadRequest},
		{"delay out of range", "3", CommandRequest{Action: "delay", DelaySeconds: 300}, http.StatusBadRequest},
		{"channel zero", "0", CommandRequest{Action: "on"}, http.StatusNotFound},
		{"channel nine", "9", CommandRequest{Action: "on"}, http.StatusNotFound},
		{"garbage channel", "abc", CommandRequest{Action: "on"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, queue, _ := setupTestServer(t)

			reqJSON, _ := json.Marshal(tt.body)
			req := httptest.NewRequest(http.MethodPut, "/channels/"+tt.channel, bytes.NewBuffer(reqJSON))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			server.handleChannelOperations(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusAccepted {
				require.Len(t, queue.commands, 1)
				assert.Equal(t, tt.body.Action, queue.commands[0].Action.String())
				assert.Equal(t, uint8(tt.body.DelaySeconds), queue.commands[0].DelaySeconds)
			} else {
				assert.Empty(t, queue.commands)
			}
		})
	}
}

func TestCommandChannelQueueFull(t *testing.T) {
	server, _, queue, _ := setupTestServer(t)
	queue.full = true

	reqJSON, _ := json.Marshal(CommandRequest{Action: "on"})
	req := httptest.NewRequest(http.MethodPut, "/channels/1", bytes.NewBuffer(reqJSON))
	w := httptest.NewRecorder()
	server.handleChannelOperations(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "Command queue is full", response.Error)
}

func TestCommandChannelOffline(t *testing.T) {
	server, ctrl, queue, _ := setupTestServer(t)
	ctrl.offline = true

	reqJSON, _ := json.Marshal(CommandRequest{Action: "on"})
	req := httptest.NewRequest(http.MethodPut, "/channels/1", bytes.NewBuffer(reqJSON))
	w := httptest.NewRecorder()
	server.handleChannelOperations(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, queue.commands)
}

func TestBatchCommand(t *testing.T) {
	server, _, queue, _ := setupTestServer(t)

	body := BatchRequest{Channels: map[string]bool{"1": true, "4": false}}
	reqJSON, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPut, "/channels", bytes.NewBuffer(reqJSON))
	w := httptest.NewRecorder()
	server.handleChannels(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, queue.batches, 1)
	batch := queue.batches[0]
	require.NotNil(t, batch[0])
	assert.True(t, *batch[0])
	require.NotNil(t, batch[3])
	assert.False(t, *batch[3])
	assert.Nil(t, batch[1], "unmentioned channels stay untargeted")
}

func TestBatchCommandRejectsBadChannel(t *testing.T) {
	server, _, queue, _ := setupTestServer(t)

	for _, key := range []string{"0", "9", "x"} {
		body := BatchRequest{Channels: map[string]bool{key: true}}
		reqJSON, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPut, "/channels", bytes.NewBuffer(reqJSON))
		w := httptest.NewRecorder()
		server.handleChannels(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, "channel key %q", key)
	}
	assert.Empty(t, queue.batches)
}

func TestSystemReset(t *testing.T) {
	server, ctrl, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/system/reset", nil)
	w := httptest.NewRecorder()
	server.handleReset(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ctrl.resets)
}

func TestSystemResetOffline(t *testing.T) {
	server, ctrl, _, _ := setupTestServer(t)
	ctrl.offline = true

	req := httptest.NewRequest(http.MethodPost, "/system/reset", nil)
	w := httptest.NewRecorder()
	server.handleReset(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 0, ctrl.resets)
}

func TestMethodNotAllowed(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"POST to status", http.MethodPost, "/status"},
		{"DELETE to channels", http.MethodDelete, "/channels"},
		{"POST to channel", http.MethodPost, "/channels/1"},
		{"GET to system reset", http.MethodGet, "/system/reset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _, _ := setupTestServer(t)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()

			server.Handler().ServeHTTP(w, req)

			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestInvalidJSONPayload(t *testing.T) {
	server, _, _, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/channels/1", bytes.NewBufferString("invalid json"))
	w := httptest.NewRecorder()
	server.handleChannelOperations(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "Invalid JSON payload", response.Error)
}

func TestChannelPathEdgeCases(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"empty channel", "/channels/"},
		{"extra segments", "/channels/1/extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _, _ := setupTestServer(t)
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			server.handleChannelOperations(w, req)

			assert.Equal(t, http.StatusNotFound, w.Code, fmt.Sprintf("path %s", tt.path))
		})
	}
}
