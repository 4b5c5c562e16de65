package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/loramesher/internal/lmerr"
	"github.com/go-zeromq/zmq4"
)

// GatewayConfig addresses the external gateway process standing in for
// the out-of-scope register-level modem driver (SPEC_FULL.md §6.6).
type GatewayConfig struct {
	EventURL   string // PUB socket the gateway publishes uplink/txdone/stats on
	CommandURL string // REQ/REP socket for configure/send/start_receive/sleep/state
}

// DefaultGatewayConfig matches the teacher's local-IPC Concentratord
// defaults, moved to loopback TCP since the gateway here is a peer
// process rather than a co-located Concentratord daemon.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		EventURL:   "tcp://127.0.0.1:7100",
		CommandURL: "tcp://127.0.0.1:7101",
	}
}

// GatewayDriver implements Driver by speaking the ZeroMQ event/command
// protocol in SPEC_FULL.md §6.6. Structurally modeled on
// ConcentratordDriver: a PUB/SUB event socket feeding a drain loop, a
// REQ/REP command socket for synchronous driver calls, a mutex guarding
// shared fields, and a cancel-context-driven goroutine lifecycle.
type GatewayDriver struct {
	config GatewayConfig

	mu             sync.Mutex
	state          State
	cfg            Config
	lastRSSI       float64
	lastSNR        float64
	lastPacketRSSI float64
	lastPacketSNR  float64
	transmitting   bool
	receiveAction  func(Event)

	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// NewGatewayDriver constructs a driver bound to config but does not
// connect until Begin is called.
func NewGatewayDriver(config GatewayConfig) *GatewayDriver {
	return &GatewayDriver{config: config, state: StateSleep}
}

// Begin connects both sockets, configures the modem via the gateway's
// "configure" command, then starts the event drain loop.
func (d *GatewayDriver) Begin(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return lmerr.New(lmerr.InvalidState, "gateway driver already running")
	}
	d.running = true
	d.cfg = cfg
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	d.ctx, d.cancel = ctx, cancel

	d.eventSock = zmq4.NewSub(ctx)
	if err := d.eventSock.Dial(d.config.EventURL); err != nil {
		return lmerr.Wrap(lmerr.Configuration, "failed to dial gateway event socket", err)
	}
	if err := d.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return lmerr.Wrap(lmerr.Configuration, "failed to subscribe to gateway events", err)
	}

	d.cmdSock = zmq4.NewReq(ctx)
	if err := d.cmdSock.Dial(d.config.CommandURL); err != nil {
		d.eventSock.Close()
		return lmerr.Wrap(lmerr.Configuration, "failed to dial gateway command socket", err)
	}

	if err := d.Configure(cfg); err != nil {
		log.Printf("radio: gateway rejected initial configuration: %v", err)
	}

	d.wg.Add(1)
	go d.eventLoop()

	d.mu.Lock()
	d.state = StateIdle
	d.mu.Unlock()

	return nil
}

// Configure sends a "configure" command frame with the encoded radio
// parameters to the gateway.
func (d *GatewayDriver) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cfg.FrequencyMHz*1e6))
	buf[4] = cfg.SpreadingFactor
	binary.LittleEndian.PutUint32(buf[5:9], uint32(cfg.BandwidthKHz*1000))
	buf[9] = cfg.CodingRate
	buf[10] = byte(int8(cfg.PowerDBm))
	buf[11] = cfg.SyncWord
	if cfg.CRCEnabled {
		buf[12] = 1
	}
	binary.LittleEndian.PutUint16(buf[13:15], cfg.PreambleLength)

	_, err := d.sendCommand("configure", buf)
	if err == nil {
		d.mu.Lock()
		d.cfg = cfg
		d.mu.Unlock()
	}
	return err
}

// Send transmits payload via the gateway's "send" command, blocking
// until the gateway acknowledges (or the command times out).
func (d *GatewayDriver) Send(payload []byte) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return lmerr.New(lmerr.InvalidState, "gateway driver not started")
	}
	d.transmitting = true
	d.state = StateTransmit
	d.mu.Unlock()

	_, err := d.sendCommand("send", payload)

	d.mu.Lock()
	d.transmitting = false
	d.state = StateIdle
	d.mu.Unlock()

	if err != nil {
		return lmerr.Wrap(lmerr.Transmission, "gateway send failed", err)
	}
	return nil
}

// StartReceive puts the gateway (and local state) into receive mode.
func (d *GatewayDriver) StartReceive() error {
	if _, err := d.sendCommand("start_receive", nil); err != nil {
		return lmerr.Wrap(lmerr.Reception, "gateway start_receive failed", err)
	}
	d.mu.Lock()
	d.state = StateReceive
	d.mu.Unlock()
	return nil
}

// Sleep is always permitted (spec §4.2: any state to Sleep).
func (d *GatewayDriver) Sleep() error {
	_, err := d.sendCommand("sleep", nil)
	d.mu.Lock()
	d.state = StateSleep
	d.mu.Unlock()
	if err != nil {
		return lmerr.Wrap(lmerr.Transmission, "gateway sleep command failed", err)
	}
	return nil
}

// SetReceiveAction registers the non-blocking callback invoked for
// every uplink/txdone/stats event drained from the gateway's PUB feed.
func (d *GatewayDriver) SetReceiveAction(action func(Event)) {
	d.mu.Lock()
	d.receiveAction = action
	d.mu.Unlock()
}

func (d *GatewayDriver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *GatewayDriver) RSSI() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRSSI
}

func (d *GatewayDriver) SNR() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSNR
}

func (d *GatewayDriver) LastPacketRSSI() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPacketRSSI
}

func (d *GatewayDriver) LastPacketSNR() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPacketSNR
}

func (d *GatewayDriver) IsTransmitting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transmitting
}

func (d *GatewayDriver) TimeOnAirMs(payloadLen int) float64 {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()
	return cfg.TimeOnAirMs(payloadLen)
}

// Close stops the event loop and releases both sockets, in reverse
// creation order, mirroring the teacher's scope-owned resource release.
func (d *GatewayDriver) Close() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if d.cmdSock != nil {
		d.cmdSock.Close()
	}
	if d.eventSock != nil {
		d.eventSock.Close()
	}
	return nil
}

// sendCommand issues a REQ/REP round trip: frame name then payload.
func (d *GatewayDriver) sendCommand(name string, payload []byte) (zmq4.Msg, error) {
	d.mu.Lock()
	sock := d.cmdSock
	d.mu.Unlock()
	if sock == nil {
		return zmq4.Msg{}, lmerr.New(lmerr.InvalidState, "gateway command socket not connected")
	}

	msg := zmq4.NewMsgFrom([]byte(name), payload)
	if err := sock.Send(msg); err != nil {
		return zmq4.Msg{}, err
	}
	return sock.Recv()
}

// eventLoop drains the gateway's PUB feed and turns each frame into a
// non-blocking call to the registered receive action, per spec §4.2's
// requirement that the IRQ-equivalent callback never perform blocking
// work itself.
func (d *GatewayDriver) eventLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		msg, err := d.eventSock.Recv()
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}

		frameType := string(msg.Frames[0])
		data := msg.Frames[1]

		d.mu.Lock()
		action := d.receiveAction
		d.mu.Unlock()
		if action == nil {
			continue
		}

		switch frameType {
		case "up":
			ev, err := decodeUplinkFrame(data)
			if err != nil {
				log.Printf("radio: bad uplink frame from gateway: %v", err)
				continue
			}
			d.mu.Lock()
			d.lastRSSI, d.lastSNR = ev.RSSI, ev.SNR
			d.lastPacketRSSI, d.lastPacketSNR = ev.RSSI, ev.SNR
			d.mu.Unlock()
			action(ev)
		case "txdone":
			action(Event{Kind: EventTransmitted, TimestampMs: uint32(time.Now().UnixMilli())})
		case "stats":
			action(Event{Kind: EventNoise})
		default:
			log.Printf("radio: unknown gateway event frame: %s", frameType)
		}
	}
}

// decodeUplinkFrame parses a gateway "up" frame: 4-byte RSSI-as-int32
// (dBm*10), 4-byte SNR-as-int32 (dB*10), 4-byte timestamp_ms, then the
// raw PHY payload.
func decodeUplinkFrame(data []byte) (Event, error) {
	const headerLen = 12
	if len(data) < headerLen {
		return Event{}, fmt.Errorf("uplink frame too short: %d bytes", len(data))
	}
	rssi := float64(int32(binary.LittleEndian.Uint32(data[0:4]))) / 10
	snr := float64(int32(binary.LittleEndian.Uint32(data[4:8]))) / 10
	ts := binary.LittleEndian.Uint32(data[8:12])
	payload := append([]byte(nil), data[headerLen:]...)

	return Event{
		Kind:        EventReceived,
		Data:        payload,
		RSSI:        rssi,
		SNR:         snr,
		TimestampMs: ts,
	}, nil
}

// encodeUplinkFrame is the gateway-side counterpart used only by tests
// to synthesize "up" frames without a live gateway process.
func encodeUplinkFrame(rssi, snr float64, timestampMs uint32, payload []byte) []byte {
	buf := make([]byte, 12+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(int32(rssi*10)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(snr*10)))
	binary.LittleEndian.PutUint32(buf[8:12], timestampMs)
	copy(buf[12:], payload)
	return buf
}
