// Package virtual implements an in-memory transport.Endpoint driven by a
// scripted byte sequence rather than real hardware, used to exercise
// protocol logic without a physical link. It needs no network loopback:
// everything it "transmits" and "receives" lives in one process, so it is
// a plain scripted byte queue plus a recorder.
package virtual

import (
	"fmt"
	"sync"
	"time"

	"github.com/gosdmmc/sdspi/pkg/transport"
)

func init() {
	transport.RegisterBackend("virtual", open)
}

// open builds a Bus with an empty response script. target is ignored; the
// registry signature is kept uniform with every other backend, but tests
// construct virtual.New directly to retain the concrete type and script
// it before use.
func open(_ string) (transport.Endpoint, transport.Delay, error) {
	bus := New()
	return bus.Endpoint(), bus.Delay(), nil
}

// Bus is a scripted transport: each Transfer call pops its reply bytes
// off a pre-loaded queue (one entry per byte position, 0xFF if unscripted)
// and appends everything transmitted to a recording for assertions.
type Bus struct {
	mu sync.Mutex

	rx       []byte // bytes to hand back, consumed FIFO
	tx       []byte // everything transmitted, in order
	csLog    []bool // chip-select transitions, true == asserted (low)
	now      time.Time
	delays   []uint32
	transferErr error
}

// New returns an unscripted Bus. Use QueueRx to load response bytes before
// exercising a protocol call.
func New() *Bus {
	return &Bus{now: time.Unix(0, 0)}
}

// Endpoint returns the transport.Endpoint view of this Bus.
func (b *Bus) Endpoint() transport.Endpoint {
	return transport.Endpoint{
		Transfer: (*byteTransfer)(b),
		Select:   (*chipSelect)(b),
		Clock:    (*clock)(b),
	}
}

// Delay returns the transport.Delay view of this Bus.
func (b *Bus) Delay() transport.Delay {
	return (*delay)(b)
}

// QueueRx appends bytes to the FIFO response queue.
func (b *Bus) QueueRx(bytes ...byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rx = append(b.rx, bytes...)
}

// QueueIdle appends n 0xFF filler bytes, the idle-line value the card
// drives while it has nothing to say.
func (b *Bus) QueueIdle(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.rx = append(b.rx, 0xFF)
	}
}

// FailNextTransfer makes the next Transfer call return err instead of
// consuming the queue, simulating a bus-level fault.
func (b *Bus) FailNextTransfer(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transferErr = err
}

// Transmitted returns every byte written through Transfer, in order.
func (b *Bus) Transmitted() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.tx))
	copy(out, b.tx)
	return out
}

// ChipSelectLog returns the recorded sequence of SetLow (true) and SetHigh
// (false) calls, in order.
func (b *Bus) ChipSelectLog() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bool, len(b.csLog))
	copy(out, b.csLog)
	return out
}

// Advance moves the fake clock forward, for exercising timeout/deadline
// logic deterministically without a real sleep.
func (b *Bus) Advance(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = b.now.Add(d)
}

// Delays returns every DelayMs argument recorded, in order.
func (b *Bus) Delays() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint32, len(b.delays))
	copy(out, b.delays)
	return out
}

type byteTransfer Bus

func (t *byteTransfer) Transfer(tx []byte, rx []byte) error {
	b := (*Bus)(t)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.transferErr != nil {
		err := b.transferErr
		b.transferErr = nil
		return err
	}

	b.tx = append(b.tx, tx...)
	b.now = b.now.Add(time.Duration(len(tx)+len(rx)) * time.Millisecond)

	n := len(rx)
	for i := 0; i < n; i++ {
		if len(b.rx) == 0 {
			rx[i] = 0xFF
			continue
		}
		rx[i] = b.rx[0]
		b.rx = b.rx[1:]
	}
	return nil
}

type chipSelect Bus

func (c *chipSelect) SetLow() error {
	b := (*Bus)(c)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.csLog = append(b.csLog, true)
	return nil
}

func (c *chipSelect) SetHigh() error {
	b := (*Bus)(c)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.csLog = append(b.csLog, false)
	return nil
}

type clock Bus

func (c *clock) Now() time.Time {
	b := (*Bus)(c)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

type delay Bus

func (d *delay) DelayMs(ms uint32) {
	b := (*Bus)(d)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays = append(b.delays, ms)
	b.now = b.now.Add(time.Duration(ms) * time.Millisecond)
}

// errBusFault is a ready-made sentinel for FailNextTransfer in tests.
var errBusFault = fmt.Errorf("virtual: simulated transfer fault")

// ErrBusFault returns the sentinel error FailNextTransfer tests typically
// inject to exercise the KindBus error path.
func ErrBusFault() error { return errBusFault }
