package node

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/agsys/loramesher/internal/radio"
	"github.com/agsys/loramesher/internal/wire"
)

// fakeDriver is a minimal radio.Driver test double: it records every
// sent frame and lets the test inject inbound events by calling the
// action registered via SetReceiveAction.
type fakeDriver struct {
	mu     sync.Mutex
	sent   [][]byte
	action func(radio.Event)
}

func (d *fakeDriver) Configure(cfg radio.Config) error { return nil }
func (d *fakeDriver) Begin(cfg radio.Config) error     { return nil }
func (d *fakeDriver) Send(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, append([]byte(nil), payload...))
	return nil
}
func (d *fakeDriver) StartReceive() error { return nil }
func (d *fakeDriver) Sleep() error        { return nil }
func (d *fakeDriver) Close() error        { return nil }

func (d *fakeDriver) SetReceiveAction(action func(radio.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.action = action
}

func (d *fakeDriver) State() radio.State           { return radio.StateIdle }
func (d *fakeDriver) RSSI() float64                { return -60 }
func (d *fakeDriver) SNR() float64                 { return 8 }
func (d *fakeDriver) LastPacketRSSI() float64      { return -60 }
func (d *fakeDriver) LastPacketSNR() float64       { return 8 }
func (d *fakeDriver) IsTransmitting() bool         { return false }
func (d *fakeDriver) TimeOnAirMs(n int) float64    { return float64(n) }

func (d *fakeDriver) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NodeAddress = 0x0002
	cfg.Admin.ListenAddr = "127.0.0.1:0" // let the OS pick a free port per test
	return cfg
}

func TestNewDerivesAddressFromConfiguredValue(t *testing.T) {
	n, err := New(testConfig(), &fakeDriver{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if n.Self() != 0x0002 {
		t.Errorf("Self() = %#04x, want 0x0002", uint16(n.Self()))
	}
}

func TestNewRejectsInvalidSuperframe(t *testing.T) {
	cfg := testConfig()
	cfg.Superframe.TotalSlots = 10
	cfg.Superframe.DataSlots = 5
	cfg.Superframe.DiscoverySlots = 5
	cfg.Superframe.ControlSlots = 5 // overallocates: 5+5+5 > 10

	if _, err := New(cfg, &fakeDriver{}); err == nil {
		t.Fatal("expected an error for an overallocated superframe")
	}
}

func TestNewPersistsAndReloadsNodeAddress(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "node.db")

	cfg := testConfig()
	cfg.NodeAddress = 0x0007
	cfg.Persistence.DatabasePath = dbPath

	n, err := New(cfg, &fakeDriver{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	cfg2 := testConfig()
	cfg2.NodeAddress = 0 // force auto-resolution to fall back to the persisted value
	cfg2.Persistence.DatabasePath = dbPath

	n2, err := New(cfg2, &fakeDriver{})
	if err != nil {
		t.Fatalf("second New failed: %v", err)
	}
	defer n2.Stop()

	if n2.Self() != 0x0007 {
		t.Errorf("Self() after reload = %#04x, want 0x0007", uint16(n2.Self()))
	}
}

func TestHandleHelloInstallsRoute(t *testing.T) {
	n, err := New(testConfig(), &fakeDriver{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	payload := wire.HelloPayload{BatteryLevel: 90, HopCount: 0}
	msg, err := wire.NewMessage(wire.AddressBroadcast, 0x0003, wire.MsgHello, payload.Encode())
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	n.handleHello(msg)

	if _, ok := n.rt.GetRoute(0x0003); !ok {
		t.Fatal("expected a route to the HELLO sender to be installed")
	}
}

func TestHandleDataClassDeliversToSelf(t *testing.T) {
	n, err := New(testConfig(), &fakeDriver{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var received []byte
	n.fwd.SetDataReceivedCallback(func(source wire.AddressType, payload []byte) {
		received = payload
	})

	routingHdr := wire.RoutingHeader{NextHop: n.Self(), SequenceID: 1, FragmentNumber: 0}
	body := append(routingHdr.Encode(), []byte("hello")...)
	msg, err := wire.NewMessage(n.Self(), 0x0005, wire.MsgData, body)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}

	n.handleDataClass(msg)

	if string(received) != "hello" {
		t.Errorf("received payload = %q, want %q", received, "hello")
	}
}

func TestHandleControlPingRepliesWithPong(t *testing.T) {
	driver := &fakeDriver{}
	n, err := New(testConfig(), driver)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ping := wire.NewPingPongHeader(n.Self(), 0x0009, wire.MsgControlPing, 5, 1000)
	msg := &wire.Message{Header: ping.Base, Payload: ping.Encode()[wire.BaseHeaderSize:]}

	n.handleControl(msg)

	if driver.sentCount() != 1 {
		t.Fatalf("expected exactly one PONG to be sent, got %d", driver.sentCount())
	}
}

func TestRoutingTableAndSlotTableFacadeMethods(t *testing.T) {
	n, err := New(testConfig(), &fakeDriver{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	n.rt.OnHello(0x0004, 80, 0, 1000, -60, 8, nil)
	views := n.RoutingTable()
	if len(views) != 1 || views[0].Destination != 0x0004 {
		t.Errorf("RoutingTable() = %+v, want one entry for 0x0004", views)
	}

	slots := n.SlotTable()
	if len(slots) != int(n.cfg.Superframe.TotalSlots) {
		t.Errorf("SlotTable() len = %d, want %d", len(slots), n.cfg.Superframe.TotalSlots)
	}
}
