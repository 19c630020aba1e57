// Package spidev implements the sdspi transport.ByteTransfer and
// transport.ChipSelect capabilities on top of a Linux SPI character device
// (/dev/spidevX.Y), the user-space Linux option named in the driver's
// scope. It is a thin adapter over periph.io's spi.Conn/gpio.PinOut, the
// same library the reference MFRC522 SPI driver in this ecosystem uses.
package spidev

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/sysfs"

	"github.com/gosdmmc/sdspi/pkg/transport"
)

// defaultClockHz is used when target carries no "&hz=" override.
const defaultClockHz = 400_000

func init() {
	transport.RegisterBackend("linux-spidev", open)
}

// open connects to the named spidev port (e.g. "/dev/spidev0.0") at the
// requested clock rate (SPI mode 0) and registers a sysfs GPIO pin named
// by the "cs" query parameter as the chip-select line.
//
// target has the form "<spidev-path>?cs=<gpio-pin-name>[&hz=<clock-rate>]",
// e.g. "/dev/spidev0.0?cs=GPIO22&hz=400000". The clock rate defaults to
// 400kHz, the top of the SD card SPI-mode negotiation window, when omitted.
func open(target string) (transport.Endpoint, transport.Delay, error) {
	if _, _, err := host.Init(); err != nil {
		return transport.Endpoint{}, nil, fmt.Errorf("spidev: init periph host: %w", err)
	}

	devicePath, pinName, clockHz, err := parseTarget(target)
	if err != nil {
		return transport.Endpoint{}, nil, err
	}

	port, err := spireg.Open(devicePath)
	if err != nil {
		return transport.Endpoint{}, nil, fmt.Errorf("spidev: open %s: %w", devicePath, err)
	}

	conn, err := port.Connect(physic.Frequency(clockHz)*physic.Hertz, spi.Mode0, 8)
	if err != nil {
		return transport.Endpoint{}, nil, fmt.Errorf("spidev: connect: %w", err)
	}

	pin := gpioreg(pinName)
	if pin == nil {
		return transport.Endpoint{}, nil, fmt.Errorf("spidev: unknown GPIO pin %s", pinName)
	}
	if err := pin.Out(gpio.High); err != nil {
		return transport.Endpoint{}, nil, fmt.Errorf("spidev: init CS pin: %w", err)
	}

	ep := transport.Endpoint{
		Transfer: &byteTransfer{conn: conn},
		Select:   &chipSelect{pin: pin},
		Clock:    wallClock{},
	}

	return ep, sleepDelay{}, nil
}

// gpioreg is split out so tests can stub pin lookup without a real sysfs
// GPIO controller present.
var gpioreg = func(name string) gpio.PinIO {
	return sysfsLookup(name)
}

func sysfsLookup(name string) gpio.PinIO {
	for _, pin := range sysfs.Pins {
		if pin.Name() == name {
			return pin
		}
	}
	return nil
}

func parseTarget(target string) (devicePath string, pinName string, clockHz int, err error) {
	const sep = "?cs="
	idx := strings.Index(target, sep)
	if idx < 0 {
		return "", "", 0, fmt.Errorf("spidev: target %q missing %q chip-select suffix", target, sep)
	}
	devicePath = target[:idx]
	rest := target[idx+len(sep):]

	const hzSep = "&hz="
	if hzIdx := strings.Index(rest, hzSep); hzIdx >= 0 {
		hz, convErr := strconv.Atoi(rest[hzIdx+len(hzSep):])
		if convErr != nil {
			return "", "", 0, fmt.Errorf("spidev: target %q has malformed %q clock override: %w", target, hzSep, convErr)
		}
		return devicePath, rest[:hzIdx], hz, nil
	}

	return devicePath, rest, defaultClockHz, nil
}

type byteTransfer struct {
	conn spi.Conn
}

func (b *byteTransfer) Transfer(tx []byte, rx []byte) error {
	n := len(tx)
	if len(rx) > n {
		n = len(rx)
	}

	w := make([]byte, n)
	copy(w, tx)
	for i := len(tx); i < n; i++ {
		w[i] = 0xFF
	}

	r := make([]byte, n)
	if err := b.conn.Tx(w, r); err != nil {
		return err
	}

	copy(rx, r)
	return nil
}

type chipSelect struct {
	pin gpio.PinOut
}

func (c *chipSelect) SetHigh() error { return c.pin.Out(gpio.High) }
func (c *chipSelect) SetLow() error  { return c.pin.Out(gpio.Low) }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type sleepDelay struct{}

func (sleepDelay) DelayMs(ms uint32) { time.Sleep(time.Duration(ms) * time.Millisecond) }
