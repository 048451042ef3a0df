package board

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// factoryRecord mirrors the factory calibration JSON document's shape:
// {serial, calibration:{date, slopes:[s0,s1], offsets:[o0,o1]}}.
type factoryRecord struct {
	Serial      string `json:"serial"`
	Calibration struct {
		Date    string    `json:"date"`
		Slopes  []float64 `json:"slopes"`
		Offsets []float64 `json:"offsets"`
	} `json:"calibration"`
}

// ParseFactoryData decodes the EEPROM custom-data JSON into a
// FactoryData. An absent or malformed document yields
// DefaultFactoryData and false; a parseable record yields true, with
// any missing field filled from DefaultFactoryData.
func ParseFactoryData(customData []byte) (FactoryData, bool) {
	def := DefaultFactoryData()
	if len(customData) == 0 {
		return def, false
	}

	var rec factoryRecord
	if err := json.Unmarshal(customData, &rec); err != nil {
		return def, false
	}

	data := def
	if rec.Serial != "" {
		data.Serial = rec.Serial
	}
	if rec.Calibration.Date != "" {
		data.CalibrationDate = rec.Calibration.Date
	}
	if len(rec.Calibration.Slopes) == 2 {
		data.Slopes = [2]float64{rec.Calibration.Slopes[0], rec.Calibration.Slopes[1]}
	}
	if len(rec.Calibration.Offsets) == 2 {
		data.Offsets = [2]float64{rec.Calibration.Offsets[0], rec.Calibration.Offsets[1]}
	}
	return data, true
}

// FakeEEPROM is an in-memory EEPROM for tests, grounded on the
// teacher's mockdev split between real and fake hardware backends.
type FakeEEPROM struct {
	ID         uint8
	CustomData []byte
	Err        error
}

func (f *FakeEEPROM) HatInfo(address int) (uint8, []byte, error) {
	if f.Err != nil {
		return 0, nil, f.Err
	}
	return f.ID, f.CustomData, nil
}

// FileEEPROM reads the HAT product ID and custom-data blob the way the
// Raspberry Pi kernel exposes them once the ID EEPROM's device-tree
// overlay has been loaded: a small text file holding the product ID
// and a raw binary file holding the vendor-defined custom-data atom.
// Each stacked address gets its own subdirectory under Base.
type FileEEPROM struct {
	Base string
}

// HatInfo reads "<Base>/hat-<address>/product_id" (hex, e.g. "0x92")
// and "<Base>/hat-<address>/custom_0" (the raw custom-data JSON blob).
// A missing product_id file is treated as a read failure; a missing
// custom_0 file is not fatal, ParseFactoryData's caller falls back to
// defaults.
func (e *FileEEPROM) HatInfo(address int) (uint8, []byte, error) {
	dir := filepath.Join(e.Base, fmt.Sprintf("hat-%d", address))

	idBytes, err := os.ReadFile(filepath.Join(dir, "product_id"))
	if err != nil {
		return 0, nil, fmt.Errorf("board: read product_id: %w", err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(idBytes)), 0, 8)
	if err != nil {
		return 0, nil, fmt.Errorf("board: parse product_id: %w", err)
	}

	customData, err := os.ReadFile(filepath.Join(dir, "custom_0"))
	if err != nil {
		return uint8(id), nil, nil
	}
	return uint8(id), customData, nil
}
