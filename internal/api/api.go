// Package api serves the Application API (spec.md §6.4) over a
// WebSocket, inverting the shape of a typical cloud client: local
// subscribers connect, issue commands, and receive a fan-out of
// on_data_received / on_route_update / on_ping_complete events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agsys/loramesher/internal/pingpong"
	"github.com/agsys/loramesher/internal/wire"
)

// MessageType tags a WebSocket frame as a command, a result, or one of
// the fanned-out events.
type MessageType string

const (
	// Inbound commands.
	CmdStart           MessageType = "start"
	CmdStop            MessageType = "stop"
	CmdSend            MessageType = "send"
	CmdSendPing        MessageType = "send_ping"
	CmdGetRoutingTable MessageType = "get_routing_table"
	CmdGetNetworkStatus MessageType = "get_network_status"
	CmdGetSlotTable    MessageType = "get_slot_table"

	// Outbound replies and events.
	MsgResult          MessageType = "result"
	EventDataReceived  MessageType = "on_data_received"
	EventRouteUpdate   MessageType = "on_route_update"
	EventPingComplete  MessageType = "on_ping_complete"
)

// Message is the JSON envelope for every frame exchanged over the
// socket, mirroring the teacher's cloud.Message shape.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NetworkStatus answers get_network_status.
type NetworkStatus struct {
	State          string            `json:"state"`
	NetworkManager wire.AddressType  `json:"network_manager"`
	CurrentSlot    uint16            `json:"current_slot"`
	Synchronized   bool              `json:"synchronized"`
	ConnectedNodes int               `json:"connected_nodes"`
}

// RouteView is the JSON projection of a routing table entry returned by
// get_routing_table.
type RouteView struct {
	Destination wire.AddressType `json:"destination"`
	NextHop     wire.AddressType `json:"next_hop"`
	HopCount    uint8            `json:"hop_count"`
	LinkQuality uint8            `json:"link_quality"`
}

// Facade is everything the API server needs from the node orchestrator,
// kept as a narrow interface so this package has no import-cycle
// dependency on internal/node.
type Facade interface {
	Start() error
	Stop() error
	Send(dest wire.AddressType, payload []byte) error
	SendPing(dest wire.AddressType, timeoutMs uint32, onComplete pingpong.OnComplete) error
	RoutingTable() []RouteView
	NetworkStatus() NetworkStatus
	SlotTable() []string
}

// Config controls the WebSocket server.
type Config struct {
	ListenAddr   string
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// DefaultConfig returns sane timeouts matching the teacher's cloud
// client defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":7200",
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server hosts the Application API over WebSocket and fans out events
// to every connected client.
type Server struct {
	config   Config
	facade   Facade
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New builds a Server bound to facade.
func New(config Config, facade Facade) *Server {
	s := &Server{
		config:  config,
		facade:  facade,
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint,
// exposed separately from ListenAndServe so tests can wrap it with
// httptest.NewServer instead of binding a real port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.config.ListenAddr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.dropClient(c)

	for {
		c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("api: malformed frame: %v", err)
			continue
		}
		s.handleCommand(c, msg)
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
}

type sendCommandPayload struct {
	Dest    wire.AddressType `json:"dest"`
	Payload []byte           `json:"payload"`
}

type sendPingCommandPayload struct {
	Dest      wire.AddressType `json:"dest"`
	TimeoutMs uint32           `json:"timeout_ms"`
}

type resultPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleCommand(c *client, msg Message) {
	reply := func(payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		s.deliver(c, Message{Type: MsgResult, ID: msg.ID, Timestamp: msg.Timestamp, Payload: data})
	}

	switch msg.Type {
	case CmdStart:
		err := s.facade.Start()
		reply(errResult(err))

	case CmdStop:
		err := s.facade.Stop()
		reply(errResult(err))

	case CmdSend:
		var p sendCommandPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			reply(resultPayload{OK: false, Error: err.Error()})
			return
		}
		err := s.facade.Send(p.Dest, p.Payload)
		reply(errResult(err))

	case CmdSendPing:
		var p sendPingCommandPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			reply(resultPayload{OK: false, Error: err.Error()})
			return
		}
		err := s.facade.SendPing(p.Dest, p.TimeoutMs, func(addr wire.AddressType, rtt uint32, success bool) {
			s.BroadcastPingComplete(addr, rtt, success)
		})
		reply(errResult(err))

	case CmdGetRoutingTable:
		reply(s.facade.RoutingTable())

	case CmdGetNetworkStatus:
		reply(s.facade.NetworkStatus())

	case CmdGetSlotTable:
		reply(s.facade.SlotTable())

	default:
		reply(resultPayload{OK: false, Error: "unknown command: " + string(msg.Type)})
	}
}

func errResult(err error) resultPayload {
	if err != nil {
		return resultPayload{OK: false, Error: err.Error()}
	}
	return resultPayload{OK: true}
}

func (s *Server) deliver(c *client, msg Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("api: client send queue full, dropping frame")
	}
}

func (s *Server) broadcast(msg Message) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("api: client send queue full, dropping broadcast frame")
		}
	}
}

type dataReceivedPayload struct {
	Source  wire.AddressType `json:"source"`
	Payload []byte           `json:"payload"`
}

// BroadcastDataReceived fans out on_data_received to every client.
func (s *Server) BroadcastDataReceived(source wire.AddressType, payload []byte) {
	data, _ := json.Marshal(dataReceivedPayload{Source: source, Payload: payload})
	s.broadcast(Message{Type: EventDataReceived, ID: uuid.NewString(), Payload: data})
}

type routeUpdatePayload struct {
	Updated     bool             `json:"updated"`
	Destination wire.AddressType `json:"destination"`
	NextHop     wire.AddressType `json:"next_hop"`
	HopCount    uint8            `json:"hop_count"`
}

// BroadcastRouteUpdate fans out on_route_update to every client.
func (s *Server) BroadcastRouteUpdate(updated bool, dest, nextHop wire.AddressType, hopCount uint8) {
	data, _ := json.Marshal(routeUpdatePayload{Updated: updated, Destination: dest, NextHop: nextHop, HopCount: hopCount})
	s.broadcast(Message{Type: EventRouteUpdate, ID: uuid.NewString(), Payload: data})
}

type pingCompletePayload struct {
	Address wire.AddressType `json:"address"`
	RTTMs   uint32           `json:"rtt_ms"`
	Success bool             `json:"success"`
}

// BroadcastPingComplete fans out on_ping_complete to every client.
func (s *Server) BroadcastPingComplete(address wire.AddressType, rttMs uint32, success bool) {
	data, _ := json.Marshal(pingCompletePayload{Address: address, RTTMs: rttMs, Success: success})
	s.broadcast(Message{Type: EventPingComplete, ID: uuid.NewString(), Payload: data})
}

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
