package radio

import (
	"bytes"
	"testing"
)

func TestUplinkFrameEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	buf := encodeUplinkFrame(-72.5, 9.5, 123456, payload)

	ev, err := decodeUplinkFrame(buf)
	if err != nil {
		t.Fatalf("decodeUplinkFrame failed: %v", err)
	}
	if ev.Kind != EventReceived {
		t.Errorf("Kind = %v, want EventReceived", ev.Kind)
	}
	if ev.RSSI != -72.5 {
		t.Errorf("RSSI = %v, want -72.5", ev.RSSI)
	}
	if ev.SNR != 9.5 {
		t.Errorf("SNR = %v, want 9.5", ev.SNR)
	}
	if ev.TimestampMs != 123456 {
		t.Errorf("TimestampMs = %v, want 123456", ev.TimestampMs)
	}
	if !bytes.Equal(ev.Data, payload) {
		t.Errorf("Data = %v, want %v", ev.Data, payload)
	}
}

func TestDecodeUplinkFrameRejectsShortBuffer(t *testing.T) {
	if _, err := decodeUplinkFrame([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding short uplink frame")
	}
}

func TestDefaultGatewayConfig(t *testing.T) {
	cfg := DefaultGatewayConfig()
	if cfg.EventURL == "" || cfg.CommandURL == "" {
		t.Error("expected non-empty default gateway endpoints")
	}
}
