package scan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/result"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/transport"
)

func statusReply(running, hwOverrun, triggered bool, available, maxReadNow int) transport.FakeReply {
	var b0 byte
	if running {
		b0 |= 0x01
	}
	if hwOverrun {
		b0 |= 0x02
	}
	if triggered {
		b0 |= 0x04
	}
	return transport.FakeReply{
		Code: result.Success,
		Payload: []byte{
			b0,
			byte(available), byte(available >> 8),
			byte(maxReadNow), byte(maxReadNow >> 8),
		},
	}
}

func dataReply(codes ...int32) transport.FakeReply {
	payload := make([]byte, 0, len(codes)*3)
	for _, c := range codes {
		payload = append(payload, byte(c>>16), byte(c>>8), byte(c))
	}
	return transport.FakeReply{Code: result.Success, Payload: payload}
}

func waitDone(t *testing.T, session *Session) {
	t.Helper()
	select {
	case <-session.done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit in time")
	}
}

func TestWorkerHardwareOverrunStopsScan(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdScanStatus: {statusReply(true, true, false, 0, 0)},
	}}

	session := newSession(8, []int{0, 1}, []float64{1, 1}, []float64{0, 0}, 2, 0)
	session.setFlag(&session.scanRunning, true)
	session.setFlag(&session.threadRunning, true)

	runWorker(context.Background(), fake, 0, session, nil)

	assert.True(t, session.getFlag(&session.hwOverrun))
	assert.False(t, session.getFlag(&session.scanRunning))
	assert.False(t, session.getFlag(&session.threadRunning))
}

func TestWorkerExternalTriggerWaitThenDrains(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdScanStatus: {
			statusReply(true, false, false, 0, 0),    // waiting for trigger
			statusReply(true, false, true, 4, 4),     // triggered, data ready
			statusReply(false, false, true, 0, 0),    // drained, device stopped
		},
		cmdScanData: {dataReply(1, 2, 3, 4)},
	}}

	session := newSession(8, []int{0, 1}, []float64{1, 1}, []float64{0, 0}, 2, NoScaleData|NoCalibrateData|ExternalTrigger)
	session.setFlag(&session.scanRunning, true)
	session.setFlag(&session.threadRunning, true)

	runWorker(context.Background(), fake, 0, session, nil)

	assert.False(t, session.getFlag(&session.scanRunning))
	assert.Equal(t, 4, session.ring.Depth())

	out := make([]float64, 4)
	session.ring.read(out)
	assert.Equal(t, []float64{1, 2, 3, 4}, out)
	// channel_index after 4 samples written = 4 mod 2 = 0
	assert.Equal(t, 0, session.channelIndex)
}

func TestWorkerStopRequestedIssuesStopCommand(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdScanStop: {{Code: result.Success}},
	}}

	session := newSession(8, []int{0}, []float64{1}, []float64{0}, 1, 0)
	session.setFlag(&session.scanRunning, true)
	session.setFlag(&session.threadRunning, true)
	session.setFlag(&session.stopRequested, true)

	runWorker(context.Background(), fake, 0, session, nil)

	require.Len(t, fake.Calls, 1)
	assert.Equal(t, byte(cmdScanStop), fake.Calls[0].Command)
	assert.False(t, session.getFlag(&session.threadRunning))
}

func TestWorkerBufferOverrunStopsScan(t *testing.T) {
	fake := &transport.Fake{Replies: map[byte][]transport.FakeReply{
		cmdScanStatus: {statusReply(true, false, true, 4, 4)},
		cmdScanData:   {dataReply(1, 2, 3, 4)},
	}}

	// capacity fits exactly one drain chunk; a second drain before any
	// reader activity pushes depth past capacity.
	session := newSession(4, []int{0, 1}, []float64{1, 1}, []float64{0, 0}, 2, NoScaleData|NoCalibrateData)
	session.setFlag(&session.scanRunning, true)
	session.setFlag(&session.threadRunning, true)

	runWorker(context.Background(), fake, 0, session, nil)

	assert.True(t, session.getFlag(&session.bufferOverrun))
	assert.False(t, session.getFlag(&session.scanRunning))
}
