// Package ws moves session messages over websockets. A Hub relays messages
// between participants; a Client connects one session to a hub.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/gorilla/websocket"

	"github.com/aretw0/cosync/pkg/codec"
	"github.com/aretw0/cosync/pkg/core"
)

// Settings tune connection handling on both ends.
type Settings struct {
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	ReconnectTimeout time.Duration
	SendBuffer       int
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingTimeout:      5 * time.Second,
		ReconnectTimeout: 2 * time.Second,
		SendBuffer:       64,
	}
}

// Hub relays messages between connected participants. Messages with no
// recipients go to everyone but the sender.
type Hub struct {
	settings Settings
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[core.ParticipantID]*hubPeer
	order []core.ParticipantID
}

type hubPeer struct {
	info   codec.Peer
	send   chan []byte
	cancel context.CancelFunc
}

// NewHub creates a hub.
func NewHub(settings Settings, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		settings: settings,
		logger:   logger.With("component", "hub"),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		peers:    make(map[core.ParticipantID]*hubPeer),
	}
}

// ServeHTTP upgrades the request and serves the participant named by the
// "participant" query parameter until it disconnects. "host" and
// "permission" describe its role.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info := codec.Peer{
		ID:         core.ParticipantID(q.Get("participant")),
		Host:       q.Get("host") == "true",
		Permission: core.Permission(q.Get("permission")),
	}
	if info.ID == "" {
		http.Error(w, "missing participant", http.StatusBadRequest)
		return
	}
	if info.Permission == "" {
		info.Permission = core.WriteAccess
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "participant", info.ID, "error", err)
		return
	}
	h.serve(r.Context(), conn, info)
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, info codec.Peer) {
	defer conn.Close()

	handleCtx, handleCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer handleCancel()

	p := &hubPeer{info: info, send: make(chan []byte, h.settings.SendBuffer), cancel: handleCancel}
	h.register(p)
	defer h.unregister(p)

	lifecycle.Go(handleCtx, func(ctx context.Context) error {
		defer conn.Close()
		defer handleCancel()
		return writeLoop(ctx, conn, p.send, h.settings)
	}, lifecycle.WithErrorHandler(func(err error) {
		h.logger.Info("write failed", "participant", info.ID, "error", err)
	}))

	for {
		if handleCtx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.settings.ReadTimeout))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("read ended", "participant", info.ID, "error", err)
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			continue
		}
		h.route(info.ID, message)
	}
}

func (h *Hub) route(from core.ParticipantID, message []byte) {
	r, err := codec.DecodeRoute(message)
	if err != nil {
		h.logger.Warn("dropping malformed message", "from", from, "error", err)
		return
	}
	if r.From != from {
		h.logger.Warn("dropping message with forged sender", "from", from, "claimed", r.From)
		return
	}

	h.mu.RLock()
	targets := r.To
	if len(targets) == 0 {
		targets = slices.DeleteFunc(slices.Clone(h.order), func(id core.ParticipantID) bool { return id == from })
	}
	peers := make([]*hubPeer, 0, len(targets))
	for _, id := range targets {
		if p, ok := h.peers[id]; ok {
			peers = append(peers, p)
		} else {
			h.logger.Debug("recipient not connected", "to", id)
		}
	}
	h.mu.RUnlock()

	for _, p := range peers {
		h.enqueue(p, message)
	}
}

func (h *Hub) enqueue(p *hubPeer, message []byte) {
	select {
	case p.send <- message:
	case <-time.After(h.settings.WriteTimeout):
		h.logger.Warn("peer too slow, disconnecting", "participant", p.info.ID)
		p.cancel()
	}
}

func (h *Hub) register(p *hubPeer) {
	h.mu.Lock()
	if old, ok := h.peers[p.info.ID]; ok {
		old.cancel()
	} else {
		h.order = append(h.order, p.info.ID)
	}
	h.peers[p.info.ID] = p
	h.mu.Unlock()

	h.logger.Info("participant connected", "participant", p.info.ID, "host", p.info.Host)
	h.broadcastPresence()
}

func (h *Hub) unregister(p *hubPeer) {
	h.mu.Lock()
	if h.peers[p.info.ID] != p {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p.info.ID)
	h.order = slices.DeleteFunc(h.order, func(id core.ParticipantID) bool { return id == p.info.ID })
	h.mu.Unlock()

	h.logger.Info("participant disconnected", "participant", p.info.ID)
	h.broadcastPresence()
}

func (h *Hub) broadcastPresence() {
	h.mu.RLock()
	presence := make([]codec.Peer, 0, len(h.order))
	peers := make([]*hubPeer, 0, len(h.order))
	for _, id := range h.order {
		presence = append(presence, h.peers[id].info)
		peers = append(peers, h.peers[id])
	}
	h.mu.RUnlock()

	message, err := codec.Encode(codec.Message{Presence: presence})
	if err != nil {
		h.logger.Error("failed to encode presence", "error", err)
		return
	}
	for _, p := range peers {
		h.enqueue(p, message)
	}
}

// Close disconnects every participant.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		p.cancel()
	}
}

// Peers returns the connected participants in connection order.
func (h *Hub) Peers() []codec.Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]codec.Peer, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.peers[id].info)
	}
	return out
}

// HubState exposes the hub's connections for observability.
type HubState struct {
	Peers []codec.Peer `json:"peers"`
}

// State implements introspection.Introspectable.
func (h *Hub) State() any {
	return HubState{Peers: h.Peers()}
}

// ComponentType implements introspection.Component.
func (h *Hub) ComponentType() string {
	return "ws-hub"
}

// writeLoop drains send onto conn and pings with an empty message when idle.
func writeLoop(ctx context.Context, conn *websocket.Conn, send <-chan []byte, settings Settings) error {
	ping := time.NewTimer(settings.PingTimeout)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return err
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, nil); err != nil {
				return err
			}
		}
		ping.Reset(settings.PingTimeout)
	}
}
