package scan

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/sample"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/transport"
)

const statusReplyTimeout = 1 * time.Millisecond
const statusRetryInterval = 20 * time.Microsecond

// runWorker is the scan producer: it polls device status, drains the
// device FIFO into the ring, applies calibration and scaling, and
// adapts its poll interval. It runs until stopRequested is
// set or it determines the scan is done, then issues a stop command
// if the scan was still running when it exits (host-initiated
// termination), and always closes session.done.
func runWorker(ctx context.Context, t transport.Transporter, address int, session *Session, log *logrus.Entry) {
	defer func() {
		if session.getFlag(&session.scanRunning) {
			Stop(t, address)
		}
		session.setFlag(&session.threadRunning, false)
		close(session.done)
	}()

	scaled := session.options&NoScaleData == 0
	calibrated := session.options&NoCalibrateData == 0

	sleep := minSleep
	statusCount := 0
	done := false

	for !session.getFlag(&session.stopRequested) && !done {
		// Terminate if the owning device handle's context was cancelled,
		// same as stop_requested.
		if ctx.Err() != nil {
			break
		}

		reply, res := t.Transfer(address, cmdScanStatus, nil, 5, statusReplyTimeout, statusRetryInterval)
		if !res.OK() {
			if log != nil {
				log.WithField("result", res).Debug("scan status poll failed, retrying")
			}
			time.Sleep(sleep)
			continue
		}
		statusCount++

		running := reply[0]&0x01 != 0
		hwOverrun := reply[0]&0x02 != 0
		triggered := reply[0]&0x04 != 0
		available := int(reply[1]) | int(reply[2])<<8
		maxReadNow := int(reply[3]) | int(reply[4])<<8

		session.setFlag(&session.triggered, triggered)

		if hwOverrun {
			session.setFlag(&session.hwOverrun, true)
			session.setFlag(&session.scanRunning, false)
			if log != nil {
				log.Warn("scan worker: hardware overrun, stopping")
			}
			done = true
			continue
		}

		if !triggered {
			sleep = trigSleep
			time.Sleep(sleep)
			continue
		}

		readCount := desiredChunk(running, available, maxReadNow, session.readThreshold)
		readCount = min(readCount, session.ring.contiguousTail())

		if readCount > 0 {
			if err := drainInto(t, address, session, readCount, scaled, calibrated); err != nil {
				if log != nil {
					log.WithError(err).Error("scan worker: data read failed")
				}
			} else {
				if session.ring.Depth() > session.ring.capacity {
					session.setFlag(&session.bufferOverrun, true)
					session.setFlag(&session.scanRunning, false)
					if log != nil {
						log.Warn("scan worker: buffer overrun, stopping")
					}
					done = true
				}
			}

			// Adaptive sleep, adjusted only on a poll that read data.
			// statusCount is the number of status polls since the last
			// read, this one included: more than four doubles the sleep.
			// The speed-up branch (halve, floor minSleep) compares against
			// the literal 1 after statusCount was just incremented above,
			// so it can never be true in normal flow -- ported faithfully
			// from the source, flagged as likely dead code.
			if statusCount > 4 {
				sleep *= 2
			} else if statusCount < 1 {
				sleep /= 2
				if sleep < minSleep {
					sleep = minSleep
				}
			}
			statusCount = 0
		}

		if !running && available == readCount {
			done = true
			session.setFlag(&session.scanRunning, false)
		}

		time.Sleep(sleep)
	}
}

// desiredChunk decides how many samples to pull off the device this
// round, given the device's own running/available/max-read-now report.
func desiredChunk(running bool, available, maxReadNow, readThreshold int) int {
	wantsRead := !running || available >= readThreshold || available > maxReadNow
	if !wantsRead {
		return 0
	}
	n := min(available, maxReadNow)
	return min(n, MaxDeviceReadChunk)
}

// drainInto issues the data-read command for readCount samples,
// converts and stores them at the ring's write index, and advances
// worker-owned bookkeeping.
func drainInto(t transport.Transporter, address int, session *Session, readCount int, scaled, calibrated bool) error {
	countPayload := []byte{byte(readCount), byte(readCount >> 8)}
	rxLen := readCount * 3
	raw, res := t.Transfer(address, cmdScanData, countPayload, rxLen, statusReplyTimeout, statusRetryInterval)
	if !res.OK() {
		return res
	}

	out := make([]float64, readCount)
	for i := 0; i < readCount; i++ {
		code := sample.DecodeCode(raw[i*3], raw[i*3+1], raw[i*3+2])
		ch := session.channelIndex
		out[i] = sample.Convert(code, session.slopes[ch], session.offsets[ch], calibrated, scaled)
		session.channelIndex = (session.channelIndex + 1) % session.channelCount
	}

	session.ring.write(out)
	atomic.AddInt64(&session.samplesTransferred, int64(readCount))
	return nil
}
