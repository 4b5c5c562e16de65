package radio

import "testing"

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default ok", func(c *Config) {}, false},
		{"frequency too low", func(c *Config) { c.FrequencyMHz = 100 }, true},
		{"frequency too high", func(c *Config) { c.FrequencyMHz = 1000 }, true},
		{"sf too low", func(c *Config) { c.SpreadingFactor = 5 }, true},
		{"sf too high", func(c *Config) { c.SpreadingFactor = 13 }, true},
		{"bandwidth too low", func(c *Config) { c.BandwidthKHz = 1 }, true},
		{"coding rate too high", func(c *Config) { c.CodingRate = 9 }, true},
		{"power too high", func(c *Config) { c.PowerDBm = 30 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTimeOnAirMsIncreasesWithPayloadLength(t *testing.T) {
	cfg := DefaultConfig()
	short := cfg.TimeOnAirMs(10)
	long := cfg.TimeOnAirMs(200)
	if long <= short {
		t.Errorf("expected time-on-air to grow with payload length: short=%v long=%v", short, long)
	}
	if short <= 0 {
		t.Errorf("expected a positive time-on-air, got %v", short)
	}
}

func TestTimeOnAirMsIncreasesWithSpreadingFactor(t *testing.T) {
	low := DefaultConfig()
	low.SpreadingFactor = 7
	high := DefaultConfig()
	high.SpreadingFactor = 12

	if high.TimeOnAirMs(32) <= low.TimeOnAirMs(32) {
		t.Error("expected higher spreading factor to take longer on air")
	}
}

func TestStateString(t *testing.T) {
	if StateIdle.String() != "Idle" {
		t.Errorf("StateIdle.String() = %q, want Idle", StateIdle.String())
	}
	if State(99).String() != "Unknown" {
		t.Errorf("State(99).String() = %q, want Unknown", State(99).String())
	}
}
