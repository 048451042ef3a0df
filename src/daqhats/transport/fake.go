package transport

import (
	"time"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/result"
)

// Fake is an in-memory Transporter for tests, scripted with canned
// replies per command code. It implements the same surface as
// Transport.Transfer so device/scan code can depend on an interface
// rather than the concrete bus-backed type.
type Fake struct {
	// Replies maps a command byte to a queue of canned responses,
	// consumed in order; the last entry repeats once exhausted.
	Replies map[byte][]FakeReply

	// Calls records every Transfer invocation for assertions.
	Calls []FakeCall

	offsets map[byte]int
}

type FakeReply struct {
	Payload []byte
	Code    result.Code
}

type FakeCall struct {
	Address int
	Command byte
	Payload []byte
}

// Transfer implements the same signature as Transport.Transfer.
func (f *Fake) Transfer(address int, command byte, txPayload []byte, expectedRxLen int, replyTimeout, retryInterval time.Duration) ([]byte, result.Result) {
	f.Calls = append(f.Calls, FakeCall{Address: address, Command: command, Payload: append([]byte{}, txPayload...)})

	queue := f.Replies[command]
	if len(queue) == 0 {
		return nil, result.Of(result.Undefined)
	}

	if f.offsets == nil {
		f.offsets = map[byte]int{}
	}
	idx := f.offsets[command]
	if idx >= len(queue) {
		idx = len(queue) - 1
	} else {
		f.offsets[command] = idx + 1
	}

	reply := queue[idx]
	if reply.Code != result.Success {
		return nil, result.Of(reply.Code)
	}

	n := len(reply.Payload)
	if n > expectedRxLen {
		n = expectedRxLen
	}
	out := make([]byte, n)
	copy(out, reply.Payload[:n])
	return out, result.Of(result.Success)
}
