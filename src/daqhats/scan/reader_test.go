package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/result"
)

func TestReadAllAvailableDrainsToZero(t *testing.T) {
	session := newSession(8, []int{0, 1}, []float64{1, 1}, []float64{0, 0}, 2, 0)
	session.ring.write([]float64{1, 2, 3, 4})
	session.setFlag(&session.threadRunning, true)

	out := make([]float64, 8)
	rows, _, res := Read(session, -1, 0, out)

	assert.True(t, res.OK())
	assert.Equal(t, 2, rows) // 4 samples / 2 channels
	assert.Equal(t, 0, session.ring.Depth())
}

func TestReadReturnsImmediatelyWithZeroTimeoutWhenEmpty(t *testing.T) {
	session := newSession(8, []int{0, 1}, []float64{1, 1}, []float64{0, 0}, 2, 0)
	session.setFlag(&session.threadRunning, true)

	out := make([]float64, 8)
	start := time.Now()
	rows, _, res := Read(session, 2, 0, out)
	elapsed := time.Since(start)

	// A zero timeout expires instantly, so with no data resident the
	// deadline is already past: Timeout, not Success.
	assert.Equal(t, result.Timeout, res.Code)
	assert.Equal(t, 0, rows)
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestReadTimesOutWhenDataNeverArrives(t *testing.T) {
	session := newSession(8, []int{0, 1}, []float64{1, 1}, []float64{0, 0}, 2, 0)
	session.setFlag(&session.threadRunning, true)

	out := make([]float64, 8)
	rows, _, res := Read(session, 2, 10*time.Millisecond, out)

	assert.Equal(t, result.Timeout, res.Code)
	assert.Equal(t, 0, rows)
}

func TestReadStopsOnOverrunFlag(t *testing.T) {
	session := newSession(8, []int{0, 1}, []float64{1, 1}, []float64{0, 0}, 2, 0)
	session.setFlag(&session.threadRunning, true)
	session.setFlag(&session.hwOverrun, true)

	out := make([]float64, 8)
	rows, status, res := Read(session, 2, time.Second, out)

	assert.True(t, res.OK())
	assert.Equal(t, 0, rows)
	assert.NotZero(t, status.Bits&StatusHardwareOverrun)
}

func TestReadExitsWhenWorkerDeadAndEmpty(t *testing.T) {
	session := newSession(8, []int{0, 1}, []float64{1, 1}, []float64{0, 0}, 2, 0)
	// worker already exited, nothing resident: should return immediately.
	out := make([]float64, 8)
	start := time.Now()
	rows, _, res := Read(session, -1, -1, out)
	elapsed := time.Since(start)

	assert.True(t, res.OK())
	assert.Equal(t, 0, rows)
	assert.Less(t, elapsed, 50*time.Millisecond)
}
