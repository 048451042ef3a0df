package scan

import (
	"sync/atomic"
	"time"
)

// Wire command codes for the scan subsystem.
const (
	cmdScanStart  = 0x11
	cmdScanStatus = 0x12
	cmdScanData   = 0x13
	cmdScanStop   = 0x14
)

// MaxDeviceReadChunk is (4096-5)/3, the largest sample count one SPI
// transfer can deliver.
const MaxDeviceReadChunk = (4096 - 5) / 3

// NumChannels is the channel count of the board this core drives.
const NumChannels = 2

// Options is the bitset recognized by ScanStart.
type Options uint32

const (
	Continuous Options = 1 << iota
	ExternalTrigger
	NoScaleData
	NoCalibrateData
)

// Status bits returned to clients.
const (
	StatusHardwareOverrun uint32 = 1 << iota
	StatusBufferOverrun
	StatusTriggered
	StatusRunning
)

const (
	minSleep  = 200 * time.Microsecond
	trigSleep = 1000 * time.Microsecond
)

// Status is the composite status word plus per-channel depth reported
// to clients.
type Status struct {
	Bits           uint32
	SamplesPerChan int
}

// Running reports whether StatusRunning is set.
func (s Status) Running() bool { return s.Bits&StatusRunning != 0 }

// Session is the state of one active scan, owned exclusively by the
// device handle that started it.
type Session struct {
	ring *ring

	channels       []int
	channelCount   int
	slopes         []float64
	offsets        []float64
	channelIndex   int // rotates mod channelCount, worker-owned

	readThreshold int
	options       Options

	scanRunning   int32 // atomic bool
	threadRunning int32 // atomic bool
	stopRequested int32 // atomic bool
	triggered     int32 // atomic bool
	hwOverrun     int32 // atomic bool
	bufferOverrun int32 // atomic bool

	samplesTransferred int64 // atomic

	done chan struct{}
}

func newSession(capacity int, channels []int, slopes, offsets []float64, readThreshold int, options Options) *Session {
	return &Session{
		ring:          newRing(capacity),
		channels:      channels,
		channelCount:  len(channels),
		slopes:        slopes,
		offsets:       offsets,
		readThreshold: readThreshold,
		options:       options,
		done:          make(chan struct{}),
	}
}

func (s *Session) setFlag(flag *int32, v bool) {
	if v {
		atomic.StoreInt32(flag, 1)
	} else {
		atomic.StoreInt32(flag, 0)
	}
}

func (s *Session) getFlag(flag *int32) bool {
	return atomic.LoadInt32(flag) != 0
}

// Status composes the status word and per-channel depth.
func (s *Session) Status() Status {
	var bits uint32
	if s.getFlag(&s.scanRunning) {
		bits |= StatusRunning
	}
	if s.getFlag(&s.triggered) {
		bits |= StatusTriggered
	}
	if s.getFlag(&s.hwOverrun) {
		bits |= StatusHardwareOverrun
	}
	if s.getFlag(&s.bufferOverrun) {
		bits |= StatusBufferOverrun
	}

	depth := s.ring.Depth()
	perChan := 0
	if s.channelCount > 0 {
		perChan = depth / s.channelCount
	}
	return Status{Bits: bits, SamplesPerChan: perChan}
}

// BufferSize returns the ring's total capacity (all channels).
func (s *Session) BufferSize() int { return s.ring.capacity }

// ChannelCount returns the number of channels in this scan.
func (s *Session) ChannelCount() int { return s.channelCount }
