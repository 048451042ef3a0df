package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeCodeSignExtension(t *testing.T) {
	assert.Equal(t, int32(0), DecodeCode(0x00, 0x00, 0x00))
	assert.Equal(t, int32(MaxCode), DecodeCode(0x7F, 0xFF, 0xFF))
	assert.Equal(t, int32(MinCode), DecodeCode(0x80, 0x00, 0x00))
	assert.Equal(t, int32(4194304), DecodeCode(0x40, 0x00, 0x00))
	assert.Equal(t, int32(-1), DecodeCode(0xFF, 0xFF, 0xFF))
}

func TestConvertScaleWithoutCalibration(t *testing.T) {
	assert.Equal(t, 0.0, Convert(0, 1, 0, false, true))
	assert.InDelta(t, float64(MaxCode)*LSBSize, Convert(MaxCode, 1, 0, false, true), 1e-9)
	assert.Equal(t, -5.0, Convert(MinCode, 1, 0, false, true))
}

func TestConvertBypassBoth(t *testing.T) {
	assert.Equal(t, 4194304.0, Convert(4194304, 2.0, 1.0, false, false))
}

func TestConvertCalibrationThenScale(t *testing.T) {
	// raw 0 with slope 2, offset 1 -> calibrated 1.0, then *LSB
	got := Convert(0, 2.0, 1.0, true, true)
	assert.InDelta(t, 1.0*LSBSize, got, 1e-12)
}
