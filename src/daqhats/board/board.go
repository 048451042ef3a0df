// Package board implements the hat-stacking collaborators that the
// scan core treats as black boxes: the shared SPI bus, the
// bus-address mux, the reset/ready GPIO lines, the factory-data EEPROM,
// and the cross-process bus lock. None of this is scan protocol —
// it is the physical seam below it.
package board

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Bus parameters fixed by the wire protocol.
const (
	SPISpeed   = 20 * physic.MegaHertz
	SPIMode    = spi.Mode1 // CPOL=0, CPHA=1
	SPIBits    = 8
	MaxTxBytes = 4096
)

// Bus is the shared serial bus a board address is asserted on.
type Bus struct {
	port conn.Conn
	spi  spi.PortCloser
	mux  AddressMux
	txBuf []byte
}

// AddressMux selects which of up to eight stacked boards answers the
// next transaction.
type AddressMux interface {
	SetAddress(address int) error
}

// OpenBus initializes the host SPI controller and returns a Bus ready
// for transactions. mux may be nil in test/bench setups that never
// stack boards.
func OpenBus(mux AddressMux) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("board: host init: %w", err)
	}

	p, err := spireg.Open("")
	if err != nil {
		return nil, fmt.Errorf("board: open spi port: %w", err)
	}

	c, err := p.Connect(SPISpeed, SPIMode, SPIBits)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("board: connect spi: %w", err)
	}

	return &Bus{
		port:  c,
		spi:   p,
		mux:   mux,
		txBuf: make([]byte, MaxTxBytes),
	}, nil
}

// Close releases the underlying SPI port.
func (b *Bus) Close() error {
	if b.spi == nil {
		return nil
	}
	err := b.spi.Close()
	b.spi = nil
	b.port = nil
	return err
}

// SetAddress asserts the bus-select mux for the given board address,
// a no-op if no mux was configured.
func (b *Bus) SetAddress(address int) error {
	if b.mux == nil {
		return nil
	}
	return b.mux.SetAddress(address)
}

// AssertMode is a no-op: the bus mode and speed are applied once, when
// OpenBus connects the port, and are not re-applied per transaction,
// so a mode change made by another process sharing the bus is not
// undone here.
func (b *Bus) AssertMode() error {
	return nil
}

// Tx performs a full-duplex SPI transfer. len(r) must equal len(w).
func (b *Bus) Tx(w, r []byte) error {
	if b.port == nil {
		return fmt.Errorf("board: bus not open")
	}
	return b.port.Tx(w, r)
}

// ReadByte issues a single-byte full-duplex transfer and returns the
// byte clocked back in — used for the device-busy poll.
func (b *Bus) ReadByte() (byte, error) {
	w := [1]byte{0xFF}
	r := [1]byte{0}
	if err := b.Tx(w[:], r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

// GPIOMux is an AddressMux backed by three GPIO output lines forming a
// binary-coded board-select decoder, grounded on the periph.io GPIO
// idiom in seedhammer's wshat driver.
type GPIOMux struct {
	Lines [3]gpio.PinOut
}

func (m *GPIOMux) SetAddress(address int) error {
	for i, line := range m.Lines {
		level := gpio.Low
		if address&(1<<i) != 0 {
			level = gpio.High
		}
		if err := line.Out(level); err != nil {
			return fmt.Errorf("board: set address line %d: %w", i, err)
		}
	}
	return nil
}

// ResetLine drives the device reset line.
type ResetLine struct {
	Pin gpio.PinIO
}

// Init configures the reset line as an output, held low.
func (r *ResetLine) Init() error {
	if err := r.Pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("board: init reset line: %w", err)
	}
	return nil
}

// Assert drives reset low (active) or releases it high.
func (r *ResetLine) Assert(active bool) error {
	level := gpio.High
	if active {
		level = gpio.Low
	}
	return r.Pin.Out(level)
}

// ReadyLine is the firmware-ready / interrupt input line.
type ReadyLine struct {
	Pin gpio.PinIn
}

// Init configures the line as an input.
func (r *ReadyLine) Init() error {
	return r.Pin.In(gpio.PullNoChange, gpio.NoEdge)
}

// Read returns the current logic level.
func (r *ReadyLine) Read() gpio.Level {
	return r.Pin.Read()
}

// ObtainLock acquires the cross-process bus lock backed by an flock(2)
// on a well-known file in the system temp directory, giving up once
// timeout has elapsed.
func ObtainLock(timeout time.Duration) (io.Closer, error) {
	path := filepath.Join(os.TempDir(), "daqhats.bus.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("board: open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &flockHandle{f: f}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("board: bus lock timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type flockHandle struct {
	f *os.File
}

func (h *flockHandle) Close() error {
	_ = unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	return h.f.Close()
}

// FactoryData is the per-channel calibration record read from EEPROM,
// shaped {serial, calibration:{date, slopes:[s0,s1], offsets:[o0,o1]}}.
type FactoryData struct {
	Serial          string
	CalibrationDate string
	Slopes          [2]float64
	Offsets         [2]float64
}

// DefaultFactoryData is substituted when EEPROM data is missing or
// unparseable.
func DefaultFactoryData() FactoryData {
	return FactoryData{
		Serial:          "00000000",
		CalibrationDate: "1970-01-01",
		Slopes:          [2]float64{1.0, 1.0},
		Offsets:         [2]float64{0.0, 0.0},
	}
}

// EEPROM reads the factory record embedded in a HAT's ID EEPROM.
type EEPROM interface {
	// HatInfo returns the HAT product ID and the raw custom-data bytes
	// (a JSON document) for the given board address.
	HatInfo(address int) (id uint8, customData []byte, err error)
}
