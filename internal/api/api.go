package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/protocol"
	"github.com/thatsimonsguy/relay-controller/internal/state"
)

// deviceController is the read/reset slice of the controller the API needs.
type deviceController interface {
	Phase() model.LifecyclePhase
	IsOffline() bool
	Settings() (model.ModuleSettings, bool)
	ResetAllChannels() error
}

// commandQueue is the producer side of the command worker.
type commandQueue interface {
	Enqueue(cmd model.PendingCommand) bool
	EnqueueBatch(desired [model.NumChannels]*bool) bool
	QueueLen() int
}

type Server struct {
	store *state.Store
	ctrl  deviceController
	queue commandQueue
}

type StatusResponse struct {
	Phase      string            `json:"phase"`
	QueueDepth int               `json:"queue_depth"`
	Settings   *SettingsResponse `json:"settings,omitempty"`
	Channels   []ChannelResponse `json:"channels"`
}

type SettingsResponse struct {
	Address      uint8  `json:"address"`
	BaudRate     int    `json:"baud_rate"`
	Parity       string `json:"parity"`
	ReplyDelayMs int    `json:"reply_delay_ms"`
}

type ChannelResponse struct {
	Channel        int    `json:"channel"`
	IsOn           bool   `json:"is_on"`
	Mode           string `json:"mode"`
	StateConfirmed bool   `json:"state_confirmed"`
	LastUpdate     string `json:"last_update,omitempty"`
}

type CommandRequest struct {
	Action       string `json:"action"`
	DelaySeconds int    `json:"delay_seconds"`
}

type BatchRequest struct {
	Channels map[string]bool `json:"channels"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(store *state.Store, ctrl deviceController, queue commandQueue) *Server {
	return &Server{
		store: store,
		ctrl:  ctrl,
		queue: queue,
	}
}

func (s *Server) Start(addr string) error {
	log.Info().Str("address", addr).Msg("Starting REST API server")
	return http.ListenAndServe(addr, s.Handler())
}

// Handler builds the route table. Split from Start for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/channels", s.handleChannels)
	mux.HandleFunc("/channels/", s.handleChannelOperations)
	mux.HandleFunc("/system/reset", s.handleReset)

	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	channels, err := s.channelResponses()
	if err != nil {
		log.Error().Err(err).Msg("Failed to snapshot channel state")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := StatusResponse{
		Phase:      string(s.ctrl.Phase()),
		QueueDepth: s.queue.QueueLen(),
		Channels:   channels,
	}
	if settings, ok := s.ctrl.Settings(); ok {
		response.Settings = &SettingsResponse{
			Address:      settings.Address,
			BaudRate:     settings.BaudRate,
			Parity:       settings.Parity.String(),
			ReplyDelayMs: protocol.ReplyDelayToMs(settings.ReplyDelayUnits),
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channels, err := s.channelResponses()
		if err != nil {
			log.Error().Err(err).Msg("Failed to snapshot channel state")
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, channels)
	case http.MethodPut:
		s.setChannelsBatch(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleChannelOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/channels/")
	parts := strings.Split(path, "/")

	if len(parts) != 1 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "Channel number required")
		return
	}

	ch, err := strconv.Atoi(parts[0])
	if err != nil || !model.ValidChannel(ch) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Channel must be 1-%d", model.NumChannels))
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getChannel(w, r, ch)
	case http.MethodPut:
		s.commandChannel(w, r, ch)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request, ch int) {
	channel, err := s.store.Channel(ch)
	if err != nil {
		log.Error().Err(err).Int("channel", ch).Msg("Failed to read channel state")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, channelResponse(ch, channel))
}

func (s *Server) commandChannel(w http.ResponseWriter, r *http.Request, ch int) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	action, ok := protocol.ActionFromString(req.Action)
	if !ok || action.Broadcast() {
		s.writeError(w, http.StatusBadRequest, "Invalid action. Valid actions: on, off, toggle, latch, momentary, delay")
		return
	}
	if action != model.ActionDelay && req.DelaySeconds != 0 {
		s.writeError(w, http.StatusBadRequest, "delay_seconds is only valid with the delay action")
		return
	}
	if req.DelaySeconds < 0 || req.DelaySeconds > 255 {
		s.writeError(w, http.StatusBadRequest, "delay_seconds must be 0-255")
		return
	}

	if s.ctrl.IsOffline() {
		s.writeError(w, http.StatusServiceUnavailable, "Relay module is offline")
		return
	}

	cmd := model.PendingCommand{
		Action:       action,
		Channel:      ch,
		DelaySeconds: uint8(req.DelaySeconds),
		EnqueuedAt:   time.Now(),
	}
	if !s.queue.Enqueue(cmd) {
		s.writeError(w, http.StatusServiceUnavailable, "Command queue is full")
		return
	}

	log.Info().Int("channel", ch).Str("action", req.Action).Msg("Command accepted via API")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) setChannelsBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if len(req.Channels) == 0 {
		s.writeError(w, http.StatusBadRequest, "No channels specified")
		return
	}

	var desired [model.NumChannels]*bool
	for key, on := range req.Channels {
		ch, err := strconv.Atoi(key)
		if err != nil || !model.ValidChannel(ch) {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid channel %q", key))
			return
		}
		on := on
		desired[ch-1] = &on
	}

	if s.ctrl.IsOffline() {
		s.writeError(w, http.StatusServiceUnavailable, "Relay module is offline")
		return
	}

	if !s.queue.EnqueueBatch(desired) {
		s.writeError(w, http.StatusServiceUnavailable, "Command queue is full")
		return
	}

	log.Info().Int("channels", len(req.Channels)).Msg("Batch command accepted via API")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if s.ctrl.IsOffline() {
		s.writeError(w, http.StatusServiceUnavailable, "Relay module is offline")
		return
	}

	if err := s.ctrl.ResetAllChannels(); err != nil {
		log.Error().Err(err).Msg("Failed to reset relay channels")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Msg("All channels reset via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) channelResponses() ([]ChannelResponse, error) {
	snapshot, err := s.store.SnapshotChannels()
	if err != nil {
		return nil, err
	}

	out := make([]ChannelResponse, 0, model.NumChannels)
	for i, ch := range snapshot {
		out = append(out, channelResponse(i+1, ch))
	}
	return out, nil
}

func channelResponse(ch int, state model.RelayChannel) ChannelResponse {
	resp := ChannelResponse{
		Channel:        ch,
		IsOn:           state.IsOn,
		Mode:           state.Mode.String(),
		StateConfirmed: state.StateConfirmed,
	}
	if !state.LastUpdate.IsZero() {
		resp.LastUpdate = state.LastUpdate.Format(time.RFC3339)
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
