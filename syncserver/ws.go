package syncserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"teilen.sh/core/crr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type pushChangesData struct {
	Doc     string       `json:"doc"`
	Changes []crr.Change `json:"changes"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(msg wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

type hub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
}

func newHub() *hub {
	return &hub{clients: make(map[string]*wsClient)}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// broadcast sends to every connected client except one, usually the
// originator.
func (h *hub) broadcast(msg wsMessage, except string) {
	h.mu.Lock()
	targets := make([]*wsClient, 0, len(h.clients))
	for id, c := range h.clients {
		if id != except {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.write(msg)
	}
}

func (h *hub) broadcastPullHint(docID, except string) {
	data, _ := json.Marshal(docID)
	h.broadcast(wsMessage{Type: "pull-hint", Data: data}, except)
}

// StartWebSocket upgrades the connection and keeps the client fed with
// pull hints. Clients may also push uncommitted live changes over the
// socket; those are applied and forwarded to every other client.
func (h *Sync) StartWebSocket(w http.ResponseWriter, r *http.Request) {
	l := h.l.With("handler", "StartWebSocket")

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer conn.Close()

	client := &wsClient{id: clientID, conn: conn}
	h.hub.add(client)
	defer h.hub.remove(clientID)

	l.Debug("client connected", "clientId", clientID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan wsMessage, 16)
	go func() {
		defer cancel()
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			l.Debug("client disconnected", "clientId", clientID)
			return
		case msg := <-inbound:
			if err := h.handleWsMessage(ctx, client, msg); err != nil {
				l.Error("failed to handle message", "type", msg.Type, "err", err)
			}
		case <-time.After(30 * time.Second):
			// keep-alive
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (h *Sync) handleWsMessage(ctx context.Context, from *wsClient, msg wsMessage) error {
	switch msg.Type {
	case "push-changes":
		var data pushChangesData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return err
		}
		if _, err := h.e.ApplyChanges(ctx, data.Changes); err != nil {
			return err
		}
		if err := from.write(wsMessage{Type: "push-changes-ok"}); err != nil {
			return err
		}
		// fan the live changes out to everyone else
		h.hub.broadcast(msg, from.id)
		return nil
	default:
		h.l.Debug("ignoring unknown ws message", "type", msg.Type)
		return nil
	}
}
