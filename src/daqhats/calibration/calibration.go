// Package calibration holds the per-channel slope/offset store for an
// open device handle.
package calibration

import "github.com/Hinatayokoyama/daqhats/src/daqhats/board"

// NumChannels is the channel count of the board this core drives.
const NumChannels = 2

// Store holds the current slope/offset pair for each channel. It is
// mutable only while no scan session is active; callers enforce that
// rule (the store itself has no notion of scan state).
type Store struct {
	slopes  [NumChannels]float64
	offsets [NumChannels]float64
}

// FromFactoryData builds a Store seeded from factory calibration data.
func FromFactoryData(data board.FactoryData) *Store {
	return &Store{slopes: data.Slopes, offsets: data.Offsets}
}

// Read returns the slope and offset for a channel.
func (s *Store) Read(channel int) (slope, offset float64) {
	return s.slopes[channel], s.offsets[channel]
}

// Write updates the slope and offset for a channel.
func (s *Store) Write(channel int, slope, offset float64) {
	s.slopes[channel] = slope
	s.offsets[channel] = offset
}

// Snapshot returns a copy of the slope/offset pairs for the given
// ordered channel list, for a scan session to hold for its lifetime
// independent of later Store mutations.
func (s *Store) Snapshot(channels []int) (slopes []float64, offsets []float64) {
	slopes = make([]float64, len(channels))
	offsets = make([]float64, len(channels))
	for i, ch := range channels {
		slopes[i] = s.slopes[ch]
		offsets[i] = s.offsets[ch]
	}
	return slopes, offsets
}
