// Package transport moves consensus bytes between peers. Gossip messages ride
// websocket connections with fan-out decided by the gossip router; integrity
// challenges use a synchronous HTTP request/response exchange.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/personhood-net/trustfabric/core/challenge"
	"github.com/personhood-net/trustfabric/core/dto"
	"github.com/personhood-net/trustfabric/core/gossip"
	"github.com/personhood-net/trustfabric/peer"
)

const (
	gossipPath    = "/gossip"
	challengePath = "/challenge"

	// originHeader carries the dialing node's listen address on the websocket
	// handshake, so inbound messages can be attributed to a peer URL.
	originHeader = "X-Node-Url"

	writeTimeout = 5 * time.Second
)

type originKey struct{}

func withOrigin(ctx context.Context, url string) context.Context {
	return context.WithValue(ctx, originKey{}, url)
}

func originFrom(ctx context.Context) string {
	url, _ := ctx.Value(originKey{}).(string)
	return url
}

// Handler consumes one inbound message.
type Handler func(ctx context.Context, raw []byte) error

// Hub is the websocket fan-out layer. It implements the Broadcaster contract
// consumed by both consensus components.
type Hub struct {
	selfURL string
	peers   *peer.Manager

	onConsensus   Handler
	onAttestation Handler

	signer   challenge.Signer
	verifyZk challenge.VerifyFn

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// New builds a hub. The handlers receive inbound gossip split by message
// family; signer and verifyZk serve the challenge endpoint.
func New(selfURL string, peers *peer.Manager, onConsensus, onAttestation Handler, signer challenge.Signer, verifyZk challenge.VerifyFn) *Hub {
	return &Hub{
		selfURL:       selfURL,
		peers:         peers,
		onConsensus:   onConsensus,
		onAttestation: onAttestation,
		signer:        signer,
		verifyZk:      verifyZk,
		conns:         make(map[string]*websocket.Conn),
	}
}

// Broadcast sends msg to the router-selected subset of admitted peers.
// Delivery is best effort, at most once per call; individual peer failures
// are logged and skipped. When ctx carries a message origin, that peer is
// excluded so re-broadcasts never echo back to the sender.
func (h *Hub) Broadcast(ctx context.Context, targetKey string, msg []byte) error {
	candidates := h.peers.Snapshot()
	if origin := originFrom(ctx); origin != "" {
		kept := candidates[:0]
		for _, url := range candidates {
			if url != origin {
				kept = append(kept, url)
			}
		}
		candidates = kept
	}

	targets := gossip.SelectGossipPeers(candidates, targetKey, h.selfURL)

	for _, url := range targets {
		if err := h.sendTo(ctx, url, msg); err != nil {
			log.Warnf("gossip to %s failed: %v", url, err)
			h.dropConn(url)
		}
	}
	return nil
}

func (h *Hub) sendTo(ctx context.Context, url string, msg []byte) error {
	conn, err := h.conn(ctx, url)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (h *Hub) conn(ctx context.Context, url string) (*websocket.Conn, error) {
	h.mu.Lock()
	if c, ok := h.conns[url]; ok {
		h.mu.Unlock()
		return c, nil
	}
	h.mu.Unlock()

	c, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+url+gossipPath, http.Header{originHeader: []string{h.selfURL}})
	if err != nil {
		return nil, errors.Wrapf(err, "dial peer %s", url)
	}

	h.mu.Lock()
	h.conns[url] = c
	h.mu.Unlock()

	go h.readLoop(context.Background(), url, c)
	return c, nil
}

func (h *Hub) dropConn(url string) {
	h.mu.Lock()
	if c, ok := h.conns[url]; ok {
		_ = c.Close()
		delete(h.conns, url)
	}
	h.mu.Unlock()
}

// Routes registers the hub's HTTP surface on mux.
func (h *Hub) Routes(mux *http.ServeMux) {
	mux.HandleFunc(gossipPath, h.handleGossip)
	mux.HandleFunc(challengePath, h.handleChallenge)
}

func (h *Hub) handleGossip(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	origin := r.Header.Get(originHeader)
	if origin == "" {
		origin = r.RemoteAddr
	}
	h.readLoop(r.Context(), origin, conn)
}

// readLoop dispatches inbound messages until the connection dies.
func (h *Hub) readLoop(ctx context.Context, from string, conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Infof("peer connection %s closed: %v", from, err)
			h.dropConn(from)
			return
		}
		h.dispatch(withOrigin(ctx, from), raw)
	}
}

func (h *Hub) dispatch(ctx context.Context, raw []byte) {
	msgType, _, err := dto.Peek(raw)
	if err != nil {
		log.Warnf("dropping undecodable gossip message: %v", err)
		return
	}

	handler := h.onConsensus
	if msgType == dto.MsgAttestation {
		handler = h.onAttestation
	}
	if handler == nil {
		return
	}

	if err := handler(ctx, raw); err != nil {
		log.Warnf("handling %s message failed: %v", msgType, err)
	}
}

// handleChallenge answers an integrity challenge synchronously: the node runs
// its real verification logic over both proofs and signs the verdict.
func (h *Hub) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dto.ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad challenge request", http.StatusBadRequest)
		return
	}

	resp, err := challenge.BuildChallengeResponse(r.Context(), req, h.signer, h.verifyZk)
	if err != nil {
		log.Errorf("build challenge response: %v", err)
		http.Error(w, "challenge response failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warnf("write challenge response: %v", err)
	}
}
