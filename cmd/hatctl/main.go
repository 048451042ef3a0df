// Command hatctl drives an MCC 172-class analog-input HAT from the
// command line: take a finite or continuous scan, blink the board's
// LED, print its identity, or read/write its configuration.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Hinatayokoyama/daqhats/src/daqhats/board"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/device"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/result"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/scan"
	"github.com/Hinatayokoyama/daqhats/src/daqhats/transport"
)

func main() {
	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "scan":
		scanCommand(os.Args[2:], log)
	case "blink":
		blinkCommand(os.Args[2:], log)
	case "id":
		idCommand(os.Args[2:], log)
	case "config":
		configCommand(os.Args[2:], log)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: hatctl <scan|blink|id|config> [flags]")
}

// openHandle wires the real board collaborators (SPI bus, EEPROM)
// into a device.Handle for the given address.
func openHandle(address int, verbose bool, log *logrus.Entry) *device.Handle {
	// This board is addressed by a single chip-select line (no GPIO
	// address mux wired up), so OpenBus gets no AddressMux: Bus.SetAddress
	// is then a no-op rather than dereferencing an unpopulated GPIOMux.
	bus, err := board.OpenBus(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open bus: %v\n", err)
		os.Exit(1)
	}

	tport := transport.New(bus, board.ObtainLock, log)

	handle, res := device.Open(address, device.Deps{
		Transport: tport,
		EEPROM:    &board.FileEEPROM{Base: "/proc/device-tree"},
		Log:       log,
	})
	if !res.OK() {
		fmt.Fprintf(os.Stderr, "open device %d: %v\n", address, res)
		os.Exit(1)
	}
	return handle
}

func scanCommand(args []string, log *logrus.Logger) {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	address := fs.Int("a", 0, "board address (0-7)")
	channelMask := fs.Uint("c", 0x03, "channel bitmask")
	samples := fs.Int("n", 1000, "samples per channel (with -continuous, minimum buffer size per channel)")
	continuous := fs.Bool("continuous", false, "scan continuously until interrupted")
	externalTrigger := fs.Bool("trigger", false, "wait for external trigger before sampling")
	noScale := fs.Bool("no-scale", false, "skip LSB scaling, report calibrated ADC codes instead of volts")
	noCalibrate := fs.Bool("no-calibrate", false, "skip slope/offset calibration")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Parse(args)

	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := log.WithField("address", *address)

	handle := openHandle(*address, *verbose, entry)
	defer handle.Close()

	var options scan.Options
	if *continuous {
		options |= scan.Continuous
	}
	if *externalTrigger {
		options |= scan.ExternalTrigger
	}
	if *noScale {
		options |= scan.NoScaleData
	}
	if *noCalibrate {
		options |= scan.NoCalibrateData
	}

	if res := handle.ScanStart(uint8(*channelMask), *samples, options); !res.OK() {
		fmt.Fprintf(os.Stderr, "scan start: %v\n", res)
		os.Exit(1)
	}
	defer handle.ScanCleanup()

	stopMonitor := make(chan struct{})
	go monitorMemory(entry, stopMonitor)
	defer close(stopMonitor)

	channelCount, _ := handle.ScanChannelCount()
	buf := make([]float64, 4096)
	for {
		rows, status, res := handle.ScanRead(1024, time.Second, buf)
		if res.Code != result.Success && res.Code != result.Timeout {
			fmt.Fprintf(os.Stderr, "scan read: %v\n", res)
			return
		}
		for r := 0; r < rows; r++ {
			row := buf[r*channelCount : (r+1)*channelCount]
			fields := make([]string, len(row))
			for i, v := range row {
				fields[i] = strconv.FormatFloat(v, 'f', 6, 64)
			}
			fmt.Println(strings.Join(fields, ","))
		}
		if !status.Running() && rows == 0 {
			return
		}
	}
}

// monitorMemory logs runtime memory stats every 30s for the life of a
// scan, at Debug level only (adapted from the driver's service-wide
// monitor, here scoped to the duration of one scan instead of the
// process lifetime).
func monitorMemory(log *logrus.Entry, stop <-chan struct{}) {
	var m runtime.MemStats
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			runtime.ReadMemStats(&m)
			log.WithField("sysMem", m.Sys/1024).WithField("routines", runtime.NumGoroutine()).Debug("scan memory monitor")
		}
	}
}

func blinkCommand(args []string, log *logrus.Logger) {
	fs := flag.NewFlagSet("blink", flag.ExitOnError)
	address := fs.Int("a", 0, "board address (0-7)")
	count := fs.Uint("n", 2, "blink count")
	fs.Parse(args)

	entry := log.WithField("address", *address)
	handle := openHandle(*address, false, entry)
	defer handle.Close()

	if res := handle.Blink(uint8(*count)); !res.OK() {
		fmt.Fprintf(os.Stderr, "blink: %v\n", res)
		os.Exit(1)
	}
}

func idCommand(args []string, log *logrus.Logger) {
	fs := flag.NewFlagSet("id", flag.ExitOnError)
	address := fs.Int("a", 0, "board address (0-7)")
	fs.Parse(args)

	entry := log.WithField("address", *address)
	handle := openHandle(*address, false, entry)
	defer handle.Close()

	fmt.Printf("serial:       %s\n", handle.Serial())
	fmt.Printf("cal date:     %s\n", handle.CalibrationDate())
	fmt.Printf("firmware:     0x%04x\n", handle.FirmwareVersion())
}

func configCommand(args []string, log *logrus.Logger) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	address := fs.Int("a", 0, "board address (0-7)")
	iepeChannel := fs.Int("iepe-channel", -1, "channel to toggle IEPE excitation on")
	iepeOn := fs.Bool("iepe-on", false, "enable (vs. disable) IEPE excitation on -iepe-channel")
	rate := fs.Float64("rate", 0, "set the per-channel sample rate (Hz)")
	fs.Parse(args)

	entry := log.WithField("address", *address)
	handle := openHandle(*address, false, entry)
	defer handle.Close()

	if *iepeChannel >= 0 {
		if res := handle.IepeConfigWrite(*iepeChannel, *iepeOn); !res.OK() {
			fmt.Fprintf(os.Stderr, "iepe config: %v\n", res)
			os.Exit(1)
		}
	}
	if *rate > 0 {
		if res := handle.AinClockConfigWrite(0, *rate); !res.OK() {
			fmt.Fprintf(os.Stderr, "clock config: %v\n", res)
			os.Exit(1)
		}
	}

	source, actualRate, synced, res := handle.AinClockConfigRead()
	if !res.OK() {
		fmt.Fprintf(os.Stderr, "clock read: %v\n", res)
		os.Exit(1)
	}
	fmt.Printf("clock source: %d\nrate:         %.2f Hz\nsynced:       %v\n", source, actualRate, synced)
}
