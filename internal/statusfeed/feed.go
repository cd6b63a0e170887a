// Package statusfeed pushes manager status, list changes and driver
// telemetry to local UI clients over WebSocket.
package statusfeed

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType defines the type of feed message
type MessageType string

const (
	MsgTypeStatus    MessageType = "status"
	MsgTypeList      MessageType = "list"
	MsgTypeTelemetry MessageType = "telemetry"
)

// Message is one feed document pushed to every connected client
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// StatusPayload carries a manager status transition
type StatusPayload struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Context string `json:"context,omitempty"`
}

// ListPayload carries a changed peer list
type ListPayload struct {
	Kind  string   `json:"kind"` // "paired", "pairing", "connected"
	Names []string `json:"names"`
}

// TelemetryPayload carries one driver telemetry document
type TelemetryPayload struct {
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

const (
	writeTimeout   = 10 * time.Second
	clientSendSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed binds to localhost; embedding UIs connect from file:// or
	// app origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan *Message
}

// Feed is a WebSocket broadcast server for manager events.
type Feed struct {
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New starts a feed server listening on addr (e.g. "127.0.0.1:29380").
func New(addr string) (*Feed, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	f := &Feed{
		listener: listener,
		clients:  make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", f.handleWS)
	f.server = &http.Server{Handler: mux}

	go func() {
		if err := f.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("status feed server: %v", err)
		}
	}()

	log.Printf("status feed listening on %s", listener.Addr())
	return f, nil
}

// Addr returns the bound listen address.
func (f *Feed) Addr() string {
	return f.listener.Addr().String()
}

// Close shuts the server down and disconnects all clients.
func (f *Feed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	clients := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.clients = make(map[*client]struct{})
	f.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
	f.server.Close()
}

// PublishStatus broadcasts a status transition.
func (f *Feed) PublishStatus(code int, statusName, context string) {
	f.publish(MsgTypeStatus, &StatusPayload{Code: code, Status: statusName, Context: context})
}

// PublishList broadcasts a changed peer list.
func (f *Feed) PublishList(kind string, names []string) {
	f.publish(MsgTypeList, &ListPayload{Kind: kind, Names: names})
}

// PublishTelemetry broadcasts one driver telemetry document.
func (f *Feed) PublishTelemetry(instance string, data json.RawMessage) {
	f.publish(MsgTypeTelemetry, &TelemetryPayload{Instance: instance, Data: data})
}

func (f *Feed) publish(msgType MessageType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("status feed: failed to marshal payload: %v", err)
		return
	}
	msg := &Message{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- msg:
		default:
			// Slow client; drop the message rather than block the manager.
		}
	}
}

func (f *Feed) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("status feed upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan *Message, clientSendSize)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	go f.writeLoop(c)
	go f.readLoop(c)
}

// writeLoop pushes queued messages to one client.
func (f *Feed) writeLoop(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			f.drop(c)
			return
		}
	}
}

// readLoop drains client frames so pings are handled and disconnects are
// noticed.
func (f *Feed) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			f.drop(c)
			return
		}
	}
}

func (f *Feed) drop(c *client) {
	f.mu.Lock()
	_, present := f.clients[c]
	if present {
		delete(f.clients, c)
	}
	f.mu.Unlock()
	if present {
		close(c.send)
	}
	c.conn.Close()
}
