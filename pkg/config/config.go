// Package config loads the host-side settings a driver deployment needs
// from an .ini file: which transport backend to open, its connection
// target, the negotiation clock bounds, and an overall init timeout.
// None of this is part of the wire protocol itself; it configures how
// cmd/sdctl (or any other caller) constructs a pkg/transport backend and
// a pkg/sdcard.Bus.
package config

import (
	"time"

	"gopkg.in/ini.v1"
)

// BusConfig is the set of host-side parameters needed to open a
// transport backend and run initialization against it.
type BusConfig struct {
	// Backend is the registered transport.RegisterBackend name, e.g.
	// "linux-spidev" or "virtual".
	Backend string
	// Target is the backend-specific connection string, e.g.
	// "/dev/spidev0.0?cs=GPIO22".
	Target string
	// ClockFloorHz/ClockCeilingHz bound the SPI clock rate a backend may
	// negotiate during initialization (100kHz-400kHz for SD cards in SPI
	// mode).
	ClockFloorHz   int
	ClockCeilingHz int
	// InitTimeout bounds how long the GoIdleState/SDSendOpCond retry
	// loops are allowed to run before the caller gives up independently
	// of their internal attempt counters.
	InitTimeout time.Duration
}

// defaults match the SD card SPI-mode negotiation clock window and a
// conservative overall init timeout.
func defaults() BusConfig {
	return BusConfig{
		Backend:        "linux-spidev",
		ClockFloorHz:   100_000,
		ClockCeilingHz: 400_000,
		InitTimeout:    5 * time.Second,
	}
}

// Load reads a BusConfig from an .ini file. Keys not present in the file
// keep their default value.
func Load(path string) (BusConfig, error) {
	cfg := defaults()

	f, err := ini.Load(path)
	if err != nil {
		return BusConfig{}, err
	}

	section := f.Section("bus")
	if key := section.Key("backend"); key.String() != "" {
		cfg.Backend = key.String()
	}
	if key := section.Key("target"); key.String() != "" {
		cfg.Target = key.String()
	}
	if key := section.Key("clock_floor_hz"); key.String() != "" {
		cfg.ClockFloorHz, err = key.Int()
		if err != nil {
			return BusConfig{}, err
		}
	}
	if key := section.Key("clock_ceiling_hz"); key.String() != "" {
		cfg.ClockCeilingHz, err = key.Int()
		if err != nil {
			return BusConfig{}, err
		}
	}
	if key := section.Key("init_timeout_ms"); key.String() != "" {
		ms, err := key.Int()
		if err != nil {
			return BusConfig{}, err
		}
		cfg.InitTimeout = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}
