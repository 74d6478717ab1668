package telemetry

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/afs-fleet/isobus-core/internal/codec"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize: 1024, WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSBroadcaster is a decoded-message sink (spec §6) fanning out every
// decoded message as JSON to every connected dashboard WebSocket client.
// It follows the same non-blocking-send, never-let-one-subscriber-block
// shape as internal/events.Recorder.
type WSBroadcaster struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewWSBroadcaster builds an empty WebSocket broadcaster.
func NewWSBroadcaster() *WSBroadcaster {
	return &WSBroadcaster{clients: make(map[*websocket.Conn]chan []byte)}
}

// ServeHTTP upgrades the connection and registers it as a broadcast
// target until the client disconnects.
func (b *WSBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("telemetry: websocket upgrade failed: %v", err)
		return
	}

	outbox := make(chan []byte, 64)
	b.mu.Lock()
	b.clients[conn] = outbox
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	for payload := range outbox {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// HandleMessage implements the decoded-message sink contract (spec §6),
// broadcasting to every connected client without blocking on any one of
// them (a slow client's channel simply drops the message).
func (b *WSBroadcaster) HandleMessage(msg *codec.DecodedMessage, interfaceID string) {
	out := publishedMessage{
		PGN: msg.PGN, PGNName: msg.Name, SA: msg.SourceAddress, DA: msg.DestinationAddress,
		Priority: msg.Priority, Timestamp: msg.Timestamp, SPNs: msg.SPNs,
	}
	data, err := json.Marshal(out)
	if err != nil {
		log.Printf("telemetry: failed to marshal message for websocket broadcast: %v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, outbox := range b.clients {
		select {
		case outbox <- data:
		default:
			log.Printf("telemetry: dropping message for slow websocket client %s", conn.RemoteAddr())
		}
	}
}

// ClientCount reports the number of currently connected clients.
func (b *WSBroadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
