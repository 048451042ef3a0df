package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/board"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/result"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/transport"
)

const cmdScanStatusWire = 0x12
const cmdScanStartWire = 0x11

func idReply(firmware uint16) transport.FakeReply {
	return transport.FakeReply{
		Code:    result.Success,
		Payload: []byte{ProductID, 0x00, byte(firmware), byte(firmware >> 8)},
	}
}

// syncedClockReply reports source 0, synced, and a divisor of 1 (full
// 51200 Hz), so waitForClockSync's poll resolves on its first attempt.
func syncedClockReply() transport.FakeReply {
	return transport.FakeReply{Code: result.Success, Payload: []byte{0x80, 0x00}}
}

// hwOverrunStatusReply makes a just-started scan worker exit almost
// immediately, so tests that only need a session to exist don't have
// to wait out the worker's poll loop.
func hwOverrunStatusReply() transport.FakeReply {
	return transport.FakeReply{Code: result.Success, Payload: []byte{0x02, 0, 0, 0, 0}}
}

func TestOpenVerifiesProductIDAndCachesFirmware(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdID: {idReply(0x0102)},
	}}
	eeprom := &board.FakeEEPROM{ID: ProductID, CustomData: nil}

	handle, res := Open(1, Deps{Transport: fake, EEPROM: eeprom})
	require.True(t, res.OK())
	require.NotNil(t, handle)
	defer handle.Close()

	assert.Equal(t, uint16(0x0102), handle.FirmwareVersion())
	assert.Equal(t, "00000000", handle.Serial()) // no custom data, defaults
}

func TestOpenRejectsWrongProductID(t *testing.T) {
	fake := &transport.Fake{}
	eeprom := &board.FakeEEPROM{ID: 0x01}

	handle, res := Open(2, Deps{Transport: fake, EEPROM: eeprom})
	assert.Nil(t, handle)
	assert.Equal(t, result.InvalidDevice, res.Code)
}

func TestOpenReferenceCounts(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdID: {idReply(1)},
	}}
	eeprom := &board.FakeEEPROM{ID: ProductID}

	first, res := Open(3, Deps{Transport: fake, EEPROM: eeprom})
	require.True(t, res.OK())

	second, res := Open(3, Deps{Transport: fake, EEPROM: eeprom})
	require.True(t, res.OK())
	assert.Same(t, first, second)

	// Only one ID command was issued: the second Open just bumped refcount.
	idCalls := 0
	for _, c := range fake.Calls {
		if c.Command == cmdID {
			idCalls++
		}
	}
	assert.Equal(t, 1, idCalls)

	assert.True(t, second.Close().OK())
	assert.True(t, first.Close().OK())
}

func openTestHandle(t *testing.T, address int, fake *transport.Fake) *Handle {
	t.Helper()
	eeprom := &board.FakeEEPROM{ID: ProductID}
	handle, res := Open(address, Deps{Transport: fake, EEPROM: eeprom})
	require.True(t, res.OK())
	return handle
}

func TestCalibrationCoefficientWriteBusyWhileScanActive(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdID:             {idReply(1)},
		cmdClockCfgRead:   {syncedClockReply()},
		cmdScanStartWire:  {{Code: result.Success}},
		cmdScanStatusWire: {hwOverrunStatusReply()},
	}}
	handle := openTestHandle(t, 4, fake)
	defer handle.Close()

	require.True(t, handle.ScanStart(0x03, 100, 0).OK())

	res := handle.CalibrationCoefficientWrite(0, 2.0, 0.1)
	assert.Equal(t, result.Busy, res.Code)

	require.True(t, handle.ScanCleanup().OK())

	res = handle.CalibrationCoefficientWrite(0, 2.0, 0.1)
	assert.True(t, res.OK())
	slope, offset, res := handle.CalibrationCoefficientRead(0)
	require.True(t, res.OK())
	assert.Equal(t, 2.0, slope)
	assert.Equal(t, 0.1, offset)
}

func TestIepeConfigWritePreservesOtherChannelBit(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdID:           {idReply(1)},
		cmdIepeCfgRead:  {{Code: result.Success, Payload: []byte{0x02}}}, // channel 1 already on
		cmdIepeCfgWrite: {{Code: result.Success}},
	}}
	handle := openTestHandle(t, 5, fake)
	defer handle.Close()

	require.True(t, handle.IepeConfigWrite(0, true).OK())

	require.Len(t, fake.Calls, 3) // id, iepe read, iepe write
	written := fake.Calls[2]
	assert.Equal(t, byte(cmdIepeCfgWrite), written.Command)
	assert.Equal(t, byte(0x03), written.Payload[0]) // channel 0 set, channel 1 preserved
}

func TestAinClockConfigWriteThenReadRoundTrips(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdID:             {idReply(1)},
		cmdClockCfgWrite:  {{Code: result.Success}},
		cmdClockCfgRead:   {{Code: result.Success, Payload: []byte{0x80, 0x01}}}, // divisor 2, synced
	}}
	handle := openTestHandle(t, 6, fake)
	defer handle.Close()

	require.True(t, handle.AinClockConfigWrite(0, 25600).OK())

	source, rate, synced, res := handle.AinClockConfigRead()
	require.True(t, res.OK())
	assert.Equal(t, uint8(0), source)
	assert.True(t, synced)
	assert.InDelta(t, 25600.0, rate, 0.001)
}

func TestClockDivisorClampsToValidRange(t *testing.T) {
	assert.Equal(t, 1, clockDivisor(1e9))   // clamp low
	assert.Equal(t, 256, clockDivisor(1))   // clamp high
	assert.Equal(t, 2, clockDivisor(25600)) // 51200/25600 = 2
}

func TestTriggerConfigRejectsOutOfRangeWithoutTransport(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdID: {idReply(1)},
	}}
	handle := openTestHandle(t, 7, fake)
	defer handle.Close()

	res := handle.TriggerConfig(3, 0)
	assert.Equal(t, result.BadParameter, res.Code)

	res = handle.TriggerConfig(0, 4)
	assert.Equal(t, result.BadParameter, res.Code)

	for _, c := range fake.Calls {
		assert.NotEqual(t, byte(cmdTriggerWrite), c.Command)
	}
}

func TestScanReadSurfacesSessionData(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdID:             {idReply(1)},
		cmdClockCfgRead:   {syncedClockReply()},
		cmdScanStartWire:  {{Code: result.Success}},
		cmdScanStatusWire: {hwOverrunStatusReply()},
	}}
	handle := openTestHandle(t, 0, fake)
	defer handle.Close()

	require.True(t, handle.ScanStart(0x01, 100, 0).OK())
	defer handle.ScanCleanup()

	out := make([]float64, 8)
	_, status, res := handle.ScanRead(-1, 50*time.Millisecond, out)
	assert.True(t, res.OK() || res.Code == result.Timeout)
	_ = status

	count, res := handle.ScanChannelCount()
	require.True(t, res.OK())
	assert.Equal(t, 1, count)
}

func TestScanStatusWithoutSessionIsResourceUnavail(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdID: {idReply(1)},
	}}
	handle := openTestHandle(t, 1, fake)
	defer handle.Close()

	status, res := handle.ScanStatus()
	assert.Equal(t, result.ResourceUnavail, res.Code)
	assert.Zero(t, status)
}
