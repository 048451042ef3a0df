package scan

import (
	"time"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/result"
)

const readerPollInterval = 100 * time.Microsecond

// Read implements the client-facing bounded-wait read. wanted=-1 means
// "all currently available"; a negative timeout means "wait
// indefinitely"; a zero timeout means "return immediately" and, if the
// ring can't satisfy the request right away, reports Timeout rather
// than Success for want still outstanding — the original firmware
// treated timeout==0 as "don't block" and returned Success in that
// case, but a zero deadline that's already elapsed is indistinguishable
// from any other elapsed deadline here. out must have capacity for at
// least one channel-count-sized row; the number of sample rows
// actually copied is returned.
func Read(session *Session, wanted int, timeout time.Duration, out []float64) (rowsCopied int, status Status, res result.Result) {
	channelCount := session.channelCount
	if channelCount == 0 {
		return 0, session.Status(), result.Of(result.BadParameter)
	}

	required := wanted * channelCount
	if required < 0 {
		// wanted == -1: drain whatever is currently resident.
		required = session.ring.Depth()
	}
	if capRows := (len(out) / channelCount) * channelCount; required > capRows {
		required = capRows
	}

	var deadline time.Time
	hasDeadline := timeout >= 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	copied := 0
	timedOut := false

	for required > 0 {
		if session.getFlag(&session.hwOverrun) || session.getFlag(&session.bufferOverrun) {
			break
		}

		workerAlive := session.getFlag(&session.threadRunning)
		depth := session.ring.Depth()
		if !workerAlive && depth == 0 {
			break
		}

		if depth >= channelCount {
			want := required
			if depth < want {
				want = depth
			}
			want = (want / channelCount) * channelCount

			n := session.ring.read(out[copied : copied+want])
			copied += n
			required -= n
		}

		if required == 0 {
			break
		}

		if hasDeadline && time.Now().After(deadline) {
			timedOut = true
			break
		}

		time.Sleep(readerPollInterval)
	}

	rowsCopied = copied / channelCount
	status = session.Status()

	if timedOut && required > 0 {
		return rowsCopied, status, result.Of(result.Timeout)
	}
	return rowsCopied, status, result.Of(result.Success)
}
