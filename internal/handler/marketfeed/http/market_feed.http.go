package http

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/krobus00/market-feed-relay/internal/config"
	"github.com/krobus00/market-feed-relay/internal/entity"
	"github.com/krobus00/market-feed-relay/internal/service/relay"
	"github.com/krobus00/market-feed-relay/internal/service/subscription"
)

const subscriptionsPath = "/market-feed/v1/subscriptions"

type SubscribeRequest struct {
	InstrumentKeys []string `json:"instrument_keys"`
	Mode           string   `json:"mode"`
}

type SubscribeResponse struct {
	Status                string                 `json:"status"`
	Message               string                 `json:"message"`
	SubscribedInstruments []entity.InstrumentKey `json:"subscribed_instruments"`
	Mode                  string                 `json:"mode"`
}

type SubscriptionsResponse struct {
	Status                string                `json:"status"`
	SubscribedInstruments []entity.Subscription `json:"subscribed_instruments"`
	Total                 int                   `json:"total"`
	ActiveConnections     int                   `json:"active_connections"`
}

type UnsubscribeResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	InstrumentKey string `json:"instrument_key"`
	Removed       bool   `json:"removed"`
}

type HealthResponse struct {
	Status                string `json:"status"`
	Service               string `json:"service"`
	State                 string `json:"state"`
	WebsocketConnections  int    `json:"websocket_connections"`
	SubscribedInstruments int    `json:"subscribed_instruments"`
	EvictedSessions       uint64 `json:"evicted_sessions"`
}

type Handler struct {
	relay *relay.Relay
}

func NewMarketFeedHTTPHandler(r *relay.Relay) *Handler {
	return &Handler{relay: r}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(subscriptionsPath, h.Subscriptions)
	mux.HandleFunc(subscriptionsPath+"/", h.DeleteSubscription)
	mux.HandleFunc("/market-feed/v1/relay/restart", h.Restart)
	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)
}

func (h *Handler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listSubscriptions(w)
	case http.MethodPost:
		h.subscribe(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (h *Handler) listSubscriptions(w http.ResponseWriter) {
	subs := h.relay.Subscriptions()
	writeJSON(w, http.StatusOK, SubscriptionsResponse{
		Status:                "success",
		SubscribedInstruments: subs,
		Total:                 len(subs),
		ActiveConnections:     h.relay.SessionCount(),
	})
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	keys, mode, err := h.relay.Subscribe(r.Context(), req.InstrumentKeys, req.Mode)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SubscribeResponse{
		Status:                "success",
		Message:               fmt.Sprintf("Subscribed to %d instruments", len(keys)),
		SubscribedInstruments: keys,
		Mode:                  string(mode),
	})
}

func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	rawKey := strings.TrimPrefix(r.URL.EscapedPath(), subscriptionsPath+"/")
	key, err := url.PathUnescape(rawKey)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid instrument key"})
		return
	}

	removed, err := h.relay.RemoveInstrument(r.Context(), key)
	if err != nil {
		writeSubscriptionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UnsubscribeResponse{
		Status:        "success",
		Message:       fmt.Sprintf("Unsubscribed from %s", strings.TrimSpace(key)),
		InstrumentKey: strings.TrimSpace(key),
		Removed:       removed,
	})
}

func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	previous := h.relay.State()
	h.relay.Restart()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":         "restarting",
		"previous_state": previous.String(),
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.relay.State()

	resp := HealthResponse{
		Status:                "healthy",
		Service:               config.ServiceName,
		State:                 state.String(),
		WebsocketConnections:  h.relay.SessionCount(),
		SubscribedInstruments: h.relay.SubscriptionCount(),
		EvictedSessions:       h.relay.Hub().Evicted(),
	}

	code := http.StatusOK
	if !state.Healthy() {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, resp)
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	state := h.relay.State()
	if !state.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "state": state.String()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "state": state.String()})
}

func writeSubscriptionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, subscription.ErrEmptyInstruments),
		errors.Is(err, subscription.ErrInvalidInstrument),
		errors.Is(err, subscription.ErrInvalidMode):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
