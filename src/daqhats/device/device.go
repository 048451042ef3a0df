// Package device implements the open/close reference-counted device
// session: ID verification, firmware version cache, calibration store,
// and the IEPE/clock/trigger configuration passthroughs.
package device

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/board"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/calibration"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/result"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/scan"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/transport"
)

// Wire command codes this package issues.
const (
	cmdBlink         = 0x40
	cmdID            = 0x41
	cmdReset         = 0x42
	cmdIepeCfgRead   = 0x43
	cmdIepeCfgWrite  = 0x44
	cmdTestSigRead   = 0x45
	cmdTestSigWrite  = 0x46
	cmdClockCfgRead  = 0x15
	cmdClockCfgWrite = 0x16
	cmdTriggerRead   = 0x17
	cmdTriggerWrite  = 0x18
)

// ProductID is the expected reply to the ID command.
const ProductID = 0x92

// MaxSampleRate is the maximum per-channel sample rate the clock can
// be configured to.
const MaxSampleRate = 51200.0

const defaultCommandTimeout = 20 * time.Millisecond

// NumChannels is the channel count of the board this core drives.
const NumChannels = calibration.NumChannels

// Deps are the external collaborators a Handle needs; callers provide
// real board-backed implementations in production and fakes in tests.
type Deps struct {
	Transport transport.Transporter
	EEPROM    board.EEPROM
	Reset     *board.ResetLine
	Ready     *board.ReadyLine
	Log       *logrus.Entry
}

// Handle is an open reference-counted device session.
type Handle struct {
	address int
	deps    Deps

	mu sync.Mutex

	refCount        int
	firmwareVersion uint16
	factoryData     board.FactoryData
	calStore        *calibration.Store

	triggerSource uint8
	triggerMode   uint8

	session *scan.Session

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	registryMu sync.Mutex
	slots      [8]*Handle
)

// Open opens (or references) the device at address, verifying the
// board's identity on first open and incrementing a reference count on
// subsequent opens.
func Open(address int, deps Deps) (*Handle, result.Result) {
	if address < 0 || address > 7 {
		return nil, result.Of(result.BadParameter)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if h := slots[address]; h != nil {
		h.mu.Lock()
		h.refCount++
		h.mu.Unlock()
		return h, result.Of(result.Success)
	}

	handle, res := openNew(address, deps)
	if !res.OK() {
		return nil, res
	}
	slots[address] = handle
	return handle, result.Of(result.Success)
}

func openNew(address int, deps Deps) (*Handle, result.Result) {
	factory := board.DefaultFactoryData()
	if deps.EEPROM != nil {
		id, customData, err := deps.EEPROM.HatInfo(address)
		if err != nil {
			return nil, result.Wrap(result.InvalidDevice, "read eeprom: %v", err)
		}
		if id != ProductID {
			return nil, result.Of(result.InvalidDevice)
		}
		parsed, ok := board.ParseFactoryData(customData)
		if !ok && deps.Log != nil {
			deps.Log.WithField("address", address).Warn("factory calibration data missing or unparseable, using defaults")
		}
		factory = parsed
	}

	if deps.Reset != nil {
		if err := deps.Reset.Init(); err != nil {
			return nil, result.Wrap(result.ResourceUnavail, "%v", err)
		}
		if err := deps.Reset.Assert(false); err != nil {
			return nil, result.Wrap(result.ResourceUnavail, "%v", err)
		}
	}
	if deps.Ready != nil {
		if err := deps.Ready.Init(); err != nil {
			return nil, result.Wrap(result.ResourceUnavail, "%v", err)
		}
	}

	if deps.Transport == nil {
		return nil, result.Of(result.ResourceUnavail)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &Handle{
		address:     address,
		deps:        deps,
		refCount:    1,
		factoryData: factory,
		calStore:    calibration.FromFactoryData(factory),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Issue the ID command (up to 2 attempts), verifying the product ID
	// and caching the firmware version carried in reply word 1.
	var res result.Result
	for attempt := 0; attempt < 2; attempt++ {
		var reply []byte
		reply, res = deps.Transport.Transfer(address, cmdID, nil, 4, defaultCommandTimeout, 0)
		if res.OK() {
			if len(reply) >= 2 && reply[0] == ProductID {
				handle.firmwareVersion = uint16(reply[2]) | uint16(reply[3])<<8
				return handle, result.Of(result.Success)
			}
			res = result.Of(result.InvalidDevice)
		}
	}
	cancel()
	return nil, res
}

// Close decrements the reference count, cleaning up any scan session
// first; on reaching zero the handle is retired.
func (h *Handle) Close() result.Result {
	h.ScanCleanup()

	registryMu.Lock()
	defer registryMu.Unlock()

	h.mu.Lock()
	h.refCount--
	remaining := h.refCount
	h.mu.Unlock()

	if remaining <= 0 {
		h.cancel()
		slots[h.address] = nil
	}
	return result.Of(result.Success)
}

// FirmwareVersion returns the cached firmware version word.
func (h *Handle) FirmwareVersion() uint16 { return h.firmwareVersion }

// Serial returns the cached factory serial number.
func (h *Handle) Serial() string { return h.factoryData.Serial }

// CalibrationDate returns the cached factory calibration date.
func (h *Handle) CalibrationDate() string { return h.factoryData.CalibrationDate }

// hasScan reports whether a scan session is present; config writes are
// rejected with Busy while one exists.
func (h *Handle) hasScan() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session != nil
}

// CalibrationCoefficientRead returns the stored slope/offset for a channel.
func (h *Handle) CalibrationCoefficientRead(channel int) (slope, offset float64, res result.Result) {
	if channel < 0 || channel >= NumChannels {
		return 0, 0, result.Of(result.BadParameter)
	}
	slope, offset = h.calStore.Read(channel)
	return slope, offset, result.Of(result.Success)
}

// CalibrationCoefficientWrite updates the in-memory slope/offset for a
// channel; rejected while a scan is active.
func (h *Handle) CalibrationCoefficientWrite(channel int, slope, offset float64) result.Result {
	if channel < 0 || channel >= NumChannels {
		return result.Of(result.BadParameter)
	}
	if h.hasScan() {
		return result.Of(result.Busy)
	}
	h.calStore.Write(channel, slope, offset)
	return result.Of(result.Success)
}

// IepeConfigWrite enables or disables the IEPE current source on a
// channel via a read-modify-write of the device's single config byte,
// leaving the other channel's bit untouched.
func (h *Handle) IepeConfigWrite(channel int, onOff bool) result.Result {
	if channel < 0 || channel >= NumChannels {
		return result.Of(result.BadParameter)
	}
	if h.hasScan() {
		return result.Of(result.Busy)
	}

	reply, res := h.deps.Transport.Transfer(h.address, cmdIepeCfgRead, nil, 1, defaultCommandTimeout, 0)
	if !res.OK() {
		return res
	}
	buffer := reply[0]
	if onOff {
		buffer |= 1 << uint(channel)
	} else {
		buffer &^= 1 << uint(channel)
	}

	_, res = h.deps.Transport.Transfer(h.address, cmdIepeCfgWrite, []byte{buffer}, 0, defaultCommandTimeout, 0)
	return res
}

// IepeConfigRead returns whether the IEPE current source is enabled on a channel.
func (h *Handle) IepeConfigRead(channel int) (bool, result.Result) {
	if channel < 0 || channel >= NumChannels {
		return false, result.Of(result.BadParameter)
	}
	reply, res := h.deps.Transport.Transfer(h.address, cmdIepeCfgRead, nil, 1, defaultCommandTimeout, 0)
	if !res.OK() {
		return false, res
	}
	return (reply[0]>>uint(channel))&0x01 == 1, result.Of(result.Success)
}

// AinClockConfigWrite encodes the requested per-channel rate as a
// divisor and writes it to the device.
func (h *Handle) AinClockConfigWrite(source uint8, ratePerChannel float64) result.Result {
	if source > 2 {
		return result.Of(result.BadParameter)
	}
	if h.hasScan() {
		return result.Of(result.Busy)
	}

	divisor := clockDivisor(ratePerChannel)
	payload := []byte{source, byte(divisor - 1)}
	_, res := h.deps.Transport.Transfer(h.address, cmdClockCfgWrite, payload, 0, defaultCommandTimeout, 0)
	return res
}

// clockDivisor implements the "round, clamp to [1,256]" encoding
// AinClockConfigWrite sends to the device.
func clockDivisor(ratePerChannel float64) int {
	divisor := int(math.Floor(MaxSampleRate/ratePerChannel + 0.5))
	if divisor < 1 {
		divisor = 1
	} else if divisor > 256 {
		divisor = 256
	}
	return divisor
}

// AinClockConfigRead returns the clock source, the divisor-derived
// rate, and the sync-locked flag.
func (h *Handle) AinClockConfigRead() (source uint8, ratePerChannel float64, synced bool, res result.Result) {
	reply, res := h.deps.Transport.Transfer(h.address, cmdClockCfgRead, nil, 2, defaultCommandTimeout, 0)
	if !res.OK() {
		return 0, 0, false, res
	}
	source = reply[0] & 0x03
	synced = (reply[0]>>7)&0x01 == 1
	divisor := float64(reply[1]) + 1
	ratePerChannel = MaxSampleRate / divisor
	return source, ratePerChannel, synced, result.Of(result.Success)
}

// TriggerConfig sets the trigger source and mode.
func (h *Handle) TriggerConfig(source, mode uint8) result.Result {
	if source > 2 || mode > 3 {
		return result.Of(result.BadParameter)
	}
	if h.hasScan() {
		return result.Of(result.Busy)
	}
	payload := []byte{source, mode}
	_, res := h.deps.Transport.Transfer(h.address, cmdTriggerWrite, payload, 0, defaultCommandTimeout, 0)
	if res.OK() {
		h.triggerSource = source
		h.triggerMode = mode
	}
	return res
}

// TestSignalRead returns the factory test-mode clock/sync/trigger bits.
func (h *Handle) TestSignalRead() (clock, sync, trigger bool, res result.Result) {
	reply, res := h.deps.Transport.Transfer(h.address, cmdTestSigRead, nil, 1, defaultCommandTimeout, 0)
	if !res.OK() {
		return false, false, false, res
	}
	b := reply[0]
	return b&0x01 != 0, (b>>1)&0x01 != 0, (b>>2)&0x01 != 0, result.Of(result.Success)
}

// TestSignalWrite sets the factory test-mode clock/sync/trigger bits.
func (h *Handle) TestSignalWrite(clock, sync, trigger bool) result.Result {
	if h.hasScan() {
		return result.Of(result.Busy)
	}
	var b byte
	if clock {
		b |= 0x01
	}
	if sync {
		b |= 0x02
	}
	if trigger {
		b |= 0x04
	}
	_, res := h.deps.Transport.Transfer(h.address, cmdTestSigWrite, []byte{b}, 0, defaultCommandTimeout, 0)
	return res
}

// Blink flashes the board's indicator LED count times.
func (h *Handle) Blink(count uint8) result.Result {
	_, res := h.deps.Transport.Transfer(h.address, cmdBlink, []byte{count}, 0, defaultCommandTimeout, 0)
	return res
}

// Reset issues a soft reset to the board.
func (h *Handle) Reset() result.Result {
	_, res := h.deps.Transport.Transfer(h.address, cmdReset, nil, 0, defaultCommandTimeout, 0)
	return res
}

// ScanStart validates and launches a scan session, rejecting a second
// concurrent session on this handle with Busy.
func (h *Handle) ScanStart(channelMask uint8, samplesPerChannel int, options scan.Options) result.Result {
	h.mu.Lock()
	if h.session != nil {
		h.mu.Unlock()
		return result.Of(result.Busy)
	}
	h.mu.Unlock()

	allChannels := make([]int, calibration.NumChannels)
	for ch := range allChannels {
		allChannels[ch] = ch
	}
	slopeSlice, offsetSlice := h.calStore.Snapshot(allChannels)
	var slopes, offsets [calibration.NumChannels]float64
	copy(slopes[:], slopeSlice)
	copy(offsets[:], offsetSlice)

	session, res := scan.Start(h.ctx, scan.StartParams{
		Transport:         h.deps.Transport,
		Address:           h.address,
		Log:               h.deps.Log,
		ChannelMask:       channelMask,
		SamplesPerChannel: samplesPerChannel,
		Options:           options,
		Slopes:            slopes,
		Offsets:           offsets,
		ReadClock:         h.readClockForScan,
	})
	if !res.OK() {
		return res
	}

	h.mu.Lock()
	h.session = session
	h.mu.Unlock()
	return result.Of(result.Success)
}

func (h *Handle) readClockForScan() (scan.ClockConfig, result.Result) {
	_, rate, synced, res := h.AinClockConfigRead()
	return scan.ClockConfig{RatePerChannel: rate, Synced: synced}, res
}

// ScanStop sends the non-destructive stop command; the worker notices the
// device-running bit drop and winds down on its own.
func (h *Handle) ScanStop() result.Result {
	if h.deps.Transport == nil {
		return result.Of(result.ResourceUnavail)
	}
	return scan.Stop(h.deps.Transport, h.address)
}

// ScanCleanup joins the worker and frees the session. Safe to call with
// no active session.
func (h *Handle) ScanCleanup() result.Result {
	h.mu.Lock()
	session := h.session
	h.session = nil
	h.mu.Unlock()

	scan.Cleanup(session)
	return result.Of(result.Success)
}

// ScanBufferSize returns the active session's total ring capacity.
func (h *Handle) ScanBufferSize() (int, result.Result) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return 0, result.Of(result.ResourceUnavail)
	}
	return session.BufferSize(), result.Of(result.Success)
}

// ScanChannelCount returns the active session's channel count.
func (h *Handle) ScanChannelCount() (int, result.Result) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return 0, result.Of(result.ResourceUnavail)
	}
	return session.ChannelCount(), result.Of(result.Success)
}

// ScanStatus returns the composite status word and per-channel depth.
// When no scan is running it returns zeroed status alongside
// ResourceUnavail: callers that treat the code as fatal without
// inspecting the zeroed status lose that signal, a quirk carried over
// from the firmware's own scan_status behavior.
func (h *Handle) ScanStatus() (scan.Status, result.Result) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return scan.Status{}, result.Of(result.ResourceUnavail)
	}
	return session.Status(), result.Of(result.Success)
}

// ScanRead copies converted samples into out.
func (h *Handle) ScanRead(wanted int, timeout time.Duration, out []float64) (rows int, status scan.Status, res result.Result) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		return 0, scan.Status{}, result.Of(result.ResourceUnavail)
	}
	return scan.Read(session, wanted, timeout, out)
}

func (h *Handle) String() string {
	return fmt.Sprintf("device[%d]", h.address)
}
