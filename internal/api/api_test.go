package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agsys/loramesher/internal/pingpong"
	"github.com/agsys/loramesher/internal/wire"
)

type fakeFacade struct {
	startCalled bool
	stopCalled  bool
	sentDest    wire.AddressType
	sentPayload []byte
	sendErr     error
	pingCalled  bool
}

func (f *fakeFacade) Start() error { f.startCalled = true; return nil }
func (f *fakeFacade) Stop() error  { f.stopCalled = true; return nil }
func (f *fakeFacade) Send(dest wire.AddressType, payload []byte) error {
	f.sentDest, f.sentPayload = dest, payload
	return f.sendErr
}
func (f *fakeFacade) SendPing(dest wire.AddressType, timeoutMs uint32, onComplete pingpong.OnComplete) error {
	f.pingCalled = true
	onComplete(dest, 42, true)
	return nil
}
func (f *fakeFacade) RoutingTable() []RouteView {
	return []RouteView{{Destination: 2, NextHop: 2, HopCount: 1, LinkQuality: 200}}
}
func (f *fakeFacade) NetworkStatus() NetworkStatus {
	return NetworkStatus{State: "normal_operation", NetworkManager: 1, CurrentSlot: 5, Synchronized: true, ConnectedNodes: 3}
}
func (f *fakeFacade) SlotTable() []string { return []string{"TX", "RX", "SLEEP"} }

func newTestServer(t *testing.T, facade Facade) (*Server, string) {
	t.Helper()
	cfg := DefaultConfig()
	srv := New(cfg, facade)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req Message) Message {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, respData, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp Message
	if err := json.Unmarshal(respData, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestStartCommandInvokesFacade(t *testing.T) {
	facade := &fakeFacade{}
	_, url := newTestServer(t, facade)
	conn := dial(t, url)

	resp := roundTrip(t, conn, Message{Type: CmdStart, ID: "1"})
	if resp.Type != MsgResult {
		t.Fatalf("response type = %v, want result", resp.Type)
	}
	if !facade.startCalled {
		t.Error("expected Start to be called on the facade")
	}
}

func TestSendCommandForwardsDestAndPayload(t *testing.T) {
	facade := &fakeFacade{}
	_, url := newTestServer(t, facade)
	conn := dial(t, url)

	payload, _ := json.Marshal(sendCommandPayload{Dest: 0x0002, Payload: []byte("hello")})
	roundTrip(t, conn, Message{Type: CmdSend, ID: "2", Payload: payload})

	if facade.sentDest != 0x0002 {
		t.Errorf("sentDest = %v, want 0x0002", facade.sentDest)
	}
	if string(facade.sentPayload) != "hello" {
		t.Errorf("sentPayload = %q, want hello", facade.sentPayload)
	}
}

func TestGetNetworkStatusReturnsFacadeSnapshot(t *testing.T) {
	facade := &fakeFacade{}
	_, url := newTestServer(t, facade)
	conn := dial(t, url)

	resp := roundTrip(t, conn, Message{Type: CmdGetNetworkStatus, ID: "3"})
	var status NetworkStatus
	if err := json.Unmarshal(resp.Payload, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.State != "normal_operation" || status.ConnectedNodes != 3 {
		t.Errorf("status = %+v, want state=normal_operation connected_nodes=3", status)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	facade := &fakeFacade{}
	_, url := newTestServer(t, facade)
	conn := dial(t, url)

	resp := roundTrip(t, conn, Message{Type: "bogus", ID: "4"})
	var result resultPayload
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.OK {
		t.Error("expected OK=false for an unknown command")
	}
}

func TestSendPingInvokesCompletionBroadcast(t *testing.T) {
	facade := &fakeFacade{}
	_, url := newTestServer(t, facade)
	conn := dial(t, url)

	payload, _ := json.Marshal(sendPingCommandPayload{Dest: 0x0002, TimeoutMs: 1000})
	data, _ := json.Marshal(Message{Type: CmdSendPing, ID: "5", Payload: payload})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write request: %v", err)
	}

	// The fake facade invokes on_complete synchronously, so the
	// broadcast event precedes the command's own result reply.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a broadcast on_ping_complete event: %v", err)
	}
	var broadcast Message
	json.Unmarshal(first, &broadcast)
	if broadcast.Type != EventPingComplete {
		t.Errorf("first frame type = %v, want on_ping_complete", broadcast.Type)
	}

	_, second, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected the send_ping result reply: %v", err)
	}
	var result Message
	json.Unmarshal(second, &result)
	if result.Type != MsgResult {
		t.Errorf("second frame type = %v, want result", result.Type)
	}
	if !facade.pingCalled {
		t.Error("expected SendPing to be called on the facade")
	}
}
