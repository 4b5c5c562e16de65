// Package node wires the protocol components (C1-C9) into a single
// running mesh node: scheduler, radio manager, NM election, routing
// table, forwarding engine, PingPong, the protocol manager's RX
// dispatch, optional SQLite persistence, and the Application API
// server. Grounded on internal/engine/engine.go's Config/New-with-
// cleanup-on-error/Start(ctx)-then-background-goroutines shape.
package node

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"os"
	"sync"
	"time"

	"github.com/agsys/loramesher/internal/api"
	"github.com/agsys/loramesher/internal/forwarding"
	"github.com/agsys/loramesher/internal/pingpong"
	"github.com/agsys/loramesher/internal/protocolmgr"
	"github.com/agsys/loramesher/internal/radio"
	"github.com/agsys/loramesher/internal/routing"
	"github.com/agsys/loramesher/internal/scheduler"
	"github.com/agsys/loramesher/internal/storage"
	"github.com/agsys/loramesher/internal/syncsvc"
	"github.com/agsys/loramesher/internal/wire"
)

// Node is the top-level orchestrator for one mesh participant.
type Node struct {
	cfg  Config
	self wire.AddressType

	sched *scheduler.Scheduler
	rm    *radio.Manager
	sync  *syncsvc.Service
	rt    *routing.Table
	fwd   *forwarding.Engine
	pp    *pingpong.Protocol
	pm    *protocolmgr.Manager
	db    *storage.DB // nil when persistence is disabled
	apiSrv *api.Server

	mu          sync.Mutex
	running     bool
	stopChan    chan struct{}
	wg          sync.WaitGroup
	helloSeq    uint8
	nextHelloMs uint32
	apiCancel   context.CancelFunc
}

// New builds a Node bound to driver (a *radio.GatewayDriver in
// production, a fake in tests). It wires every component's
// dependencies but does not start any goroutines or open the radio;
// call Start for that.
func New(cfg Config, driver radio.Driver) (*Node, error) {
	sf := cfg.superframe()
	if err := sf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid superframe: %w", err)
	}
	sched, err := scheduler.New(sf)
	if err != nil {
		return nil, fmt.Errorf("failed to build scheduler: %w", err)
	}

	rm := radio.NewManager(driver, radio.DefaultQueueCapacity)
	if err := rm.Configure(cfg.radioConfig()); err != nil {
		rm.Close()
		return nil, fmt.Errorf("failed to configure radio: %w", err)
	}
	if err := rm.Begin(cfg.radioConfig()); err != nil {
		rm.Close()
		return nil, fmt.Errorf("failed to initialize radio: %w", err)
	}

	self := protocolmgr.DeriveNodeAddress(cfg.NodeAddress, hostSystemID())

	var db *storage.DB
	if cfg.Persistence.DatabasePath != "" {
		db, err = storage.Open(cfg.Persistence.DatabasePath)
		if err != nil {
			rm.Close()
			return nil, fmt.Errorf("failed to open node database: %w", err)
		}
		if saved, ok, lerr := db.LoadNodeAddress(); lerr == nil && ok && cfg.NodeAddress == 0 {
			self = wire.AddressType(saved)
		}
	}

	rt := routing.New(routing.Config{
		Self:            self,
		MaxHops:         cfg.Protocol.MaxHops,
		MaxNetworkNodes: cfg.Protocol.MaxNetworkNodes,
		RouteTimeoutMs:  cfg.Protocol.RouteTimeoutMs,
	})

	if db != nil {
		if snapshot, serr := db.LoadRoutingSnapshot(); serr == nil {
			for _, e := range snapshot {
				rt.SeedHint(wire.AddressType(e.Destination), wire.AddressType(e.NextHop), e.HopCount, e.LinkQuality, e.LastSeenMs)
			}
		}
	}

	fwd := forwarding.New(forwarding.Config{
		Self:    self,
		MaxHops: cfg.Protocol.MaxHops,
	}, routeLookupAdapter{table: rt}, sched, rm)

	syncSvc := syncsvc.New(syncsvc.Config{
		Self:               self,
		MaxHops:            cfg.Protocol.MaxHops,
		DiscoveryTimeoutMs: cfg.Protocol.DiscoveryTimeoutMs,
		NMLostTimeoutMs:    cfg.Protocol.RouteTimeoutMs,
	}, sched)

	pp := pingpong.New(self, radioFrameSender{radio: rm})

	n := &Node{
		cfg:      cfg,
		self:     self,
		sched:    sched,
		rm:       rm,
		sync:     syncSvc,
		rt:       rt,
		fwd:      fwd,
		pp:       pp,
		db:       db,
		stopChan: make(chan struct{}),
	}

	n.pm = protocolmgr.New(self, protocolmgr.RXHandlers{
		OnSyncBeacon: n.handleSyncBeacon,
		OnHello:      n.handleHello,
		OnDataClass:  n.handleDataClass,
		OnControl:    n.handleControl,
	})
	n.pm.Register(protocolmgr.ProtocolSync, syncsvcProtocol{svc: syncSvc})
	n.pm.Register(protocolmgr.ProtocolRouting, rt)
	n.pm.Register(protocolmgr.ProtocolForwarding, fwd)
	n.pm.Register(protocolmgr.ProtocolPingPong, pp)

	sched.SetSlotBoundaryCallback(n.onSlotBoundary)

	apiCfg := api.DefaultConfig()
	apiCfg.ListenAddr = cfg.Admin.ListenAddr
	n.apiSrv = api.New(apiCfg, n)

	rt.SetRouteUpdateCallback(func(u routing.RouteUpdate) {
		n.apiSrv.BroadcastRouteUpdate(u.Updated, u.Destination, u.NextHop, u.HopCount)
	})
	fwd.SetDataReceivedCallback(func(source wire.AddressType, payload []byte) {
		n.apiSrv.BroadcastDataReceived(source, payload)
	})

	return n, nil
}

// hostSystemID derives a pseudo-unique seed for node-address
// auto-assignment from the host name, used when node_address is left
// at 0 in the config.
func hostSystemID() uint64 {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "loramesher-node"
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// Start begins the node's main cycle: the scheduler clock, the
// Application API listener, and the background tick loop driving NM
// election, routing expiry, ping timeouts, and HELLO emission.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = true
	n.stopChan = make(chan struct{})
	n.mu.Unlock()

	n.sched.Start()

	// pm.Start brackets C5/C6/C7/C9's own Init/Start in registration
	// order (protocolmgr.Protocol), including syncsvc re-entering
	// Discovery at the node's current clock reading (see syncsvcProtocol).
	if err := n.pm.Start(); err != nil {
		return fmt.Errorf("failed to start protocol manager: %w", err)
	}

	if err := n.rm.StartReceive(); err != nil {
		return fmt.Errorf("failed to start radio receive: %w", err)
	}

	n.wg.Add(1)
	go n.tickLoop()

	ctx, cancel := context.WithCancel(context.Background())
	n.apiCancel = cancel
	go func() {
		if err := n.apiSrv.ListenAndServe(ctx); err != nil {
			log.Printf("admin api server stopped: %v", err)
		}
	}()

	log.Printf("node %#04x started", uint16(n.self))
	return nil
}

// Stop halts the tick loop, closes the radio, and persists a final
// routing snapshot if a database is configured.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	close(n.stopChan)
	n.mu.Unlock()

	n.wg.Wait()
	n.sched.Stop()

	if err := n.pm.Stop(); err != nil {
		log.Printf("failed to stop protocol manager: %v", err)
	}

	if n.apiCancel != nil {
		n.apiCancel()
	}

	if n.db != nil {
		n.persistSnapshot()
		if err := n.db.SaveNodeAddress(uint16(n.self)); err != nil {
			log.Printf("failed to persist node address: %v", err)
		}
		if err := n.db.Close(); err != nil {
			log.Printf("failed to close node database: %v", err)
		}
	}

	if err := n.rm.Close(); err != nil {
		log.Printf("failed to close radio: %v", err)
	}

	log.Printf("node %#04x stopped", uint16(n.self))
	return nil
}

func nowMs() uint32 {
	return uint32(time.Now().UnixMilli())
}

// tickLoop drives every periodic component once per tick interval: far
// coarser than a slot boundary, fine enough that timeout/eviction
// deadlines are honored within a fraction of their period. sched.Tick
// below is what actually fires onSlotBoundary, which is what gates
// radio state, HELLO emission, beacon origination, and forwarding TX
// to the node's currently owned slot (spec.md §4.3): this loop only
// supplies the clock samples that drive it.
func (n *Node) tickLoop() {
	defer n.wg.Done()

	const tickInterval = 250 * time.Millisecond
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopChan:
			return
		case <-ticker.C:
			n.drainRadioEvents()
			n.onTick(nowMs())
		}
	}
}

func (n *Node) onTick(ms uint32) {
	n.sched.Tick(ms)
	n.sync.Tick(ms)
	n.rt.Tick(ms)
	n.pp.CheckTimeouts(ms)
}

// onSlotBoundary is the scheduler's SlotBoundaryFunc (spec.md §2/§4.3):
// every radio state change and every outbound HELLO, SYNC_BEACON, and
// forwarded DATA frame is driven from here, gated to the slot type the
// node actually owns right now, not from a flat poll.
func (n *Node) onSlotBoundary(_ uint16, slotType scheduler.SlotType) {
	if slotType == scheduler.SlotSleep {
		if err := n.rm.Sleep(); err != nil {
			log.Printf("radio sleep failed: %v", err)
		}
	} else if err := n.rm.StartReceive(); err != nil {
		log.Printf("radio start-receive failed: %v", err)
	}

	ms := nowMs()
	switch slotType {
	case scheduler.SlotTX:
		n.drainForwardingQueue(ms)
	case scheduler.SlotDiscoveryTX:
		if n.nextHelloMs == 0 || ms-n.nextHelloMs >= n.cfg.Protocol.HelloIntervalMs {
			n.sendHello()
			n.nextHelloMs = ms
		}
	case scheduler.SlotControlTX:
		if n.sync.State() == syncsvc.StateNetworkManager {
			n.sendSyncBeacon()
		}
	}
}

// sendSyncBeacon originates this node's own SYNC_BEACON, transmitted
// only while it is the Network_Manager and only in a CONTROL_TX slot
// (spec.md §4.4): a follower only ever relays a beacon it received, via
// handleSyncBeacon, never builds its own.
func (n *Node) sendSyncBeacon() {
	frame := n.sched.Frame()
	beacon := n.sync.BuildBeacon(n.sync.NetworkID(), uint8(frame.TotalSlots), uint16(frame.SlotDurationMs), n.cfg.Protocol.MaxHops)
	if err := n.rm.Send(beacon.Encode()); err != nil {
		log.Printf("failed to send sync beacon: %v", err)
	}
}

func (n *Node) drainForwardingQueue(ms uint32) {
	for {
		frame, ok := n.fwd.TryDequeue(ms)
		if !ok {
			return
		}
		if err := n.rm.Send(frame); err != nil {
			log.Printf("radio send failed: %v", err)
			return
		}
	}
}

// drainRadioEvents hands every received frame to the protocol manager.
// It decodes only the base header and keeps every trailing byte as
// Payload rather than trusting payload_size: SYNC_BEACON and CONTROL
// frames carry a fixed extension with payload_size pinned at 0 (see the
// golden buffer in wire's tests), so their handlers need the full
// trailing byte range to reconstruct the typed extension.
func (n *Node) drainRadioEvents() {
	for {
		ev, ok := n.rm.Poll()
		if !ok {
			return
		}
		if ev.Kind != radio.EventReceived {
			continue
		}
		if len(ev.Data) < wire.BaseHeaderSize {
			continue
		}
		base, err := wire.DecodeBaseHeader(ev.Data)
		if err != nil {
			continue
		}
		msg := &wire.Message{Header: base, Payload: ev.Data[wire.BaseHeaderSize:]}
		n.pm.Dispatch(msg)
	}
}

func (n *Node) sendHello() {
	n.helloSeq++
	payload := wire.HelloPayload{
		BatteryLevel: 100,
		Capabilities: 0,
		HopCount:     n.sync.HopCount(),
		Neighbors:    n.rt.NeighborSummary(16),
	}
	msg, err := wire.NewMessage(wire.AddressBroadcast, n.self, wire.MsgHello, payload.Encode())
	if err != nil {
		log.Printf("failed to build hello frame: %v", err)
		return
	}
	if err := n.rm.Send(msg.Encode()); err != nil {
		log.Printf("failed to send hello: %v", err)
	}
}

func (n *Node) persistSnapshot() {
	snapshot := n.rt.Snapshot()
	entries := make([]storage.RouteSnapshotEntry, 0, len(snapshot))
	for _, r := range snapshot {
		entries = append(entries, storage.RouteSnapshotEntry{
			Destination: uint16(r.Destination),
			NextHop:     uint16(r.NextHop),
			HopCount:    r.HopCount,
			LinkQuality: r.LinkQuality,
			LastSeenMs:  r.LastSeenMs,
		})
	}
	if err := n.db.ReplaceRoutingSnapshot(entries); err != nil {
		log.Printf("failed to persist routing snapshot: %v", err)
	}
}
