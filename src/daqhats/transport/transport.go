// Package transport implements the single request/reply transaction
// over the shared serial bus: device-busy polling, cross-process
// locking, and bus-mode assertion.
package transport

import (
	"io"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/frame"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/result"
)

// LockTimeout is the maximum time Transfer waits to acquire the
// cross-process bus lock before giving up.
const LockTimeout = 5 * time.Second

const drainBackoffInterval = 300 * time.Microsecond

// Transporter is the surface device and scan code depend on, so they
// can be driven by either a real Transport or a Fake in tests.
type Transporter interface {
	Transfer(address int, command byte, txPayload []byte, expectedRxLen int, replyTimeout, retryInterval time.Duration) ([]byte, result.Result)
}

// Bus is the minimal surface Transport needs from the physical bus.
type Bus interface {
	SetAddress(address int) error
	AssertMode() error
	Tx(w, r []byte) error
	ReadByte() (byte, error)
}

// Locker acquires and releases the cross-process bus lock.
type Locker func(timeout time.Duration) (io.Closer, error)

// Transport issues framed request/reply transactions against a board
// address.
type Transport struct {
	Bus    Bus
	Lock   Locker
	Log    *logrus.Entry
}

// New returns a Transport bound to bus, using lock as the
// cross-process lock acquirer.
func New(bus Bus, lock Locker, log *logrus.Entry) *Transport {
	return &Transport{Bus: bus, Lock: lock, Log: log}
}

// statusMap translates the firmware's reply status byte into a Result code.
func statusMap(status byte) result.Code {
	switch status {
	case 0:
		return result.Success
	case 1:
		return result.Undefined // bad protocol
	case 2:
		return result.BadParameter
	case 3:
		return result.Busy
	case 4:
		return result.Undefined // not ready
	case 5:
		return result.Timeout
	default:
		return result.Undefined
	}
}

// Transfer performs one request/reply transaction addressed to
// address, sending command with txPayload and expecting up to
// expectedRxLen bytes back. replyTimeout and retryInterval are
// microsecond-scale durations governing the busy-poll.
func (t *Transport) Transfer(address int, command byte, txPayload []byte, expectedRxLen int, replyTimeout, retryInterval time.Duration) ([]byte, result.Result) {
	if t.Bus == nil {
		return nil, result.Of(result.ResourceUnavail)
	}

	request, err := frame.Encode(command, txPayload)
	if err != nil {
		return nil, result.Wrap(result.BadParameter, "%v", err)
	}

	lock, lerr := t.Lock(LockTimeout)
	if lerr != nil {
		return nil, result.Of(result.LockTimeout)
	}
	defer lock.Close()

	if err := t.Bus.SetAddress(address); err != nil {
		return nil, result.Wrap(result.Undefined, "set address: %v", err)
	}
	if err := t.Bus.AssertMode(); err != nil {
		return nil, result.Wrap(result.Undefined, "assert bus mode: %v", err)
	}

	if t.Log != nil {
		t.Log.WithFields(logrus.Fields{
			"address":       address,
			"command":       command,
			"txLen":         len(txPayload),
			"expectedRxLen": expectedRxLen,
		}).Debug("transport: transaction")
	}

	// Full-duplex transfer of the encoded request; reply bytes clocked
	// in during this phase are discarded, the device has not queued a
	// reply yet.
	scratch := make([]byte, len(request))
	if err := t.Bus.Tx(request, scratch); err != nil {
		return nil, result.Wrap(result.Undefined, "tx request: %v", err)
	}

	if retryInterval > 0 {
		time.Sleep(retryInterval)
	}

	// The timeout reference is captured only now: time spent acquiring
	// the lock and transferring the request header is not charged
	// against reply_timeout — a deliberate choice, not an oversight.
	start := time.Now()
	deadline := start.Add(replyTimeout)

	var gotReply bool
	for {
		b, err := t.Bus.ReadByte()
		if err == nil && b != 0 {
			gotReply = true
			break
		}
		if time.Now().After(deadline) {
			break
		}
		if retryInterval > 0 {
			time.Sleep(retryInterval)
		}
	}

	if !gotReply {
		return nil, result.Of(result.Timeout)
	}

	reply, err := t.drainReply(expectedRxLen, deadline)
	if err != nil {
		return nil, result.Of(result.Timeout)
	}

	if reply.Command != command {
		return nil, result.Of(result.BadParameter)
	}

	code := statusMap(reply.Status)
	if code != result.Success {
		return nil, result.Of(code)
	}

	n := len(reply.Payload)
	if n > expectedRxLen {
		n = expectedRxLen
	}
	out := make([]byte, n)
	copy(out, reply.Payload[:n])
	return out, result.Of(result.Success)
}

// drainReply issues a transfer sized to the full reply (header +
// expectedRxLen) and parses it, retrying on I/O error with a 300us
// backoff until framed or the deadline passes.
func (t *Transport) drainReply(expectedRxLen int, deadline time.Time) (frame.Reply, error) {
	size := 5 + expectedRxLen

	var reply frame.Reply
	op := func() error {
		w := make([]byte, size)
		r := make([]byte, size)
		if err := t.Bus.Tx(w, r); err != nil {
			return err
		}
		parsed, _, _, perr := frame.Parse(r)
		if perr != nil {
			return perr
		}
		reply = parsed
		return nil
	}

	b := &deadlineBackOff{
		inner:    backoff.NewConstantBackOff(drainBackoffInterval),
		deadline: deadline,
	}
	if err := backoff.Retry(op, b); err != nil {
		return frame.Reply{}, err
	}
	return reply, nil
}

// deadlineBackOff wraps a backoff.BackOff and reports the stop signal
// once an absolute deadline passes, regardless of the inner policy.
type deadlineBackOff struct {
	inner    backoff.BackOff
	deadline time.Time
}

func (d *deadlineBackOff) NextBackOff() time.Duration {
	if time.Now().After(d.deadline) {
		return backoff.Stop
	}
	return d.inner.NextBackOff()
}

func (d *deadlineBackOff) Reset() {
	d.inner.Reset()
}
