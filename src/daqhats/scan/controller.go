package scan

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/result"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/transport"
)

const startCommandTimeout = 20 * time.Millisecond

// ClockConfig is the subset of a_in_clock_config_read the controller
// needs to size the ring and confirm the ADC clock is locked before a
// scan starts.
type ClockConfig struct {
	RatePerChannel float64
	Synced         bool
}

// ReadClockFunc reads the device's current clock configuration; it is
// supplied by the device session so this package never depends on
// device directly.
type ReadClockFunc func() (ClockConfig, result.Result)

// StartParams carries everything ScanStart needs to create and launch
// a scan session.
type StartParams struct {
	Transport transport.Transporter
	Address   int
	Log       *logrus.Entry

	ChannelMask       uint8
	SamplesPerChannel int
	Options           Options

	// Slopes/offsets indexed by channel number (0, 1), the device's
	// current calibration store.
	Slopes, Offsets [NumChannels]float64

	ReadClock ReadClockFunc
}

// Start validates parameters, allocates the ring, arms the device, and
// launches the producer goroutine. The returned
// Session is owned exclusively by the caller (the device handle).
func Start(ctx context.Context, p StartParams) (*Session, result.Result) {
	if p.ChannelMask == 0 || p.ChannelMask > (1<<NumChannels)-1 {
		return nil, result.Of(result.BadParameter)
	}
	if p.SamplesPerChannel <= 0 && p.Options&Continuous == 0 {
		return nil, result.Of(result.BadParameter)
	}

	channels := make([]int, 0, NumChannels)
	for ch := 0; ch < NumChannels; ch++ {
		if p.ChannelMask&(1<<ch) != 0 {
			channels = append(channels, ch)
		}
	}
	slopes := make([]float64, len(channels))
	offsets := make([]float64, len(channels))
	for i, ch := range channels {
		slopes[i] = p.Slopes[ch]
		offsets[i] = p.Offsets[ch]
	}

	clock, res := waitForClockSync(p.ReadClock)
	if !res.OK() {
		return nil, res
	}

	capacity := ringCapacity(p.Options, clock.RatePerChannel, p.SamplesPerChannel) * len(channels)
	readThreshold := computeReadThreshold(clock.RatePerChannel, len(channels))

	session := newSession(capacity, channels, slopes, offsets, readThreshold, p.Options)

	scanCount := uint32(0)
	if p.Options&Continuous == 0 {
		scanCount = uint32(p.SamplesPerChannel)
	}
	channelMask := p.ChannelMask
	if p.Options&ExternalTrigger != 0 {
		channelMask |= 0x04
	}

	startPayload := []byte{
		byte(scanCount), byte(scanCount >> 8), byte(scanCount >> 16), byte(scanCount >> 24),
		channelMask,
	}
	if _, res := p.Transport.Transfer(p.Address, cmdScanStart, startPayload, 0, startCommandTimeout, 0); !res.OK() {
		return nil, res
	}

	session.setFlag(&session.scanRunning, true)
	session.setFlag(&session.threadRunning, true)

	go runWorker(ctx, p.Transport, p.Address, session, p.Log)

	return session, result.Of(result.Success)
}

// waitForClockSync polls the clock config with a 100ms backoff until
// the sync-locked flag is set.
func waitForClockSync(readClock ReadClockFunc) (ClockConfig, result.Result) {
	var clock ClockConfig
	var last result.Result

	op := func() error {
		c, res := readClock()
		if !res.OK() {
			last = res
			return nil // stop retrying on a transport error, surfaced below
		}
		last = result.Of(result.Success)
		clock = c
		if !c.Synced {
			return errNotSynced
		}
		return nil
	}

	_ = backoff.Retry(op, backoff.NewConstantBackOff(100*time.Millisecond))
	return clock, last
}

var errNotSynced = result.Wrap(result.Busy, "clock not yet synced")

// ringCapacity implements the per-channel buffer sizing tiers.
func ringCapacity(options Options, ratePerChannel float64, samplesPerChannel int) int {
	if options&Continuous == 0 {
		return samplesPerChannel
	}

	var floor int
	switch {
	case ratePerChannel <= 1024.0:
		floor = 1000
	case ratePerChannel <= 10240.0:
		floor = 10000
	default:
		floor = 100000
	}
	if samplesPerChannel > floor {
		return samplesPerChannel
	}
	return floor
}

// computeReadThreshold picks the device-side available sample count at
// or above which the worker drains the device FIFO. The original firmware keeps an alternative
// branch for rate>2560 S/s commented out; only the single formula
// below is implemented here.
func computeReadThreshold(ratePerChannel float64, channelCount int) int {
	threshold := int(ratePerChannel / 10)
	if threshold > MaxDeviceReadChunk {
		threshold = MaxDeviceReadChunk
	}
	threshold = (threshold / channelCount) * channelCount
	if threshold == 0 {
		threshold = channelCount
	}
	return threshold
}

// Stop sends the non-destructive stop command; the worker observes
// the device-running bit drop on its own and winds down.
func Stop(transport transport.Transporter, address int) result.Result {
	_, res := transport.Transfer(address, cmdScanStop, nil, 0, startCommandTimeout, 0)
	return res
}

// Cleanup requests the worker stop, waits for it to exit, and returns
// once the session is safe to discard. Safe to call on a nil session.
func Cleanup(session *Session) {
	if session == nil {
		return
	}
	session.setFlag(&session.stopRequested, true)
	<-session.done
}
