// Package config parses the emulator's command-line configuration: memory
// geometry, the boot image to load, and optional execution tracing.
package config

import (
	"flag"
	"fmt"
)

// Config holds every flag-derived setting the emulator core needs to start.
type Config struct {
	BootImage   string
	BootBlock   int
	Modules     int
	SegsPerMod  int
	TraceFile   string
	MaxCycles   uint64
	ShowVersion bool
	SerialPort  string
	SerialBaud  int

	// AWPEnabled mirrors cpu.awp: whether the arithmetic/floating-point
	// extension is present. The AWP unit itself is an external
	// collaborator; main wires none in and only logs that the option was
	// requested, and the core treats a nil AWP as "not installed"
	// regardless of this setting.
	AWPEnabled bool
	// KB mirrors cpu.kb: the operator key switches' initial value.
	KB uint16
	// ModificationsPresent mirrors cpu.modifications: whether the
	// hardware modification-counter option is present at all.
	ModificationsPresent bool
	// UserIOIllegal mirrors cpu.user_io_illegal: OU/IN executed in user
	// mode raise ILLEGAL instead of dispatching.
	UserIOIllegal bool
	// StopOnNoMem mirrors cpu.stop_on_nomem: a no-mem fault transitions
	// the CPU to STOP in addition to raising NO-MEM and setting RALARM.
	StopOnNoMem bool
	// SpeedReal mirrors cpu.speed_real: throttle the run loop to
	// wall-clock time instead of running flat out.
	SpeedReal bool
	// ThrottleGranularityUs mirrors cpu.throttle_granularity: the
	// microsecond quantum the run loop accumulates nominal time against
	// before sleeping.
	ThrottleGranularityUs int
	// SpeedFactor mirrors cpu.speed_factor: a 0.1..2.0 multiplier applied
	// to nominal cycle time whenever SpeedReal throttling is on, whether or
	// not sound.enabled is set.
	SpeedFactor float64
	// SoundEnabled mirrors sound.enabled; it is parsed and held, but no
	// audio output exists and nothing reads it.
	SoundEnabled bool
}

// Parse builds a Config from args (typically os.Args[1:]), matching the
// flag set the reference emulator's main exposes.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("em400", flag.ContinueOnError)

	c := &Config{}
	fs.StringVar(&c.BootImage, "boot", "", "Boot image file to load before starting")
	fs.IntVar(&c.BootBlock, "boot-block", 0, "Memory block to load the boot image into")
	fs.IntVar(&c.Modules, "modules", 1, "Number of physical memory modules to configure")
	fs.IntVar(&c.SegsPerMod, "segments", 8, "Segments per configured module")
	fs.StringVar(&c.TraceFile, "trace", "", "Write execution trace to file")
	fs.Uint64Var(&c.MaxCycles, "max-cycles", 0, "Stop after N cycles (0 = unlimited)")
	fs.BoolVar(&c.ShowVersion, "version", false, "Show version and exit")
	fs.StringVar(&c.SerialPort, "serial-port", "", "Serial device path for channel 0 line 0")
	fs.IntVar(&c.SerialBaud, "serial-baud", 9600, "Baud rate for -serial-port")

	fs.BoolVar(&c.AWPEnabled, "cpu.awp", false, "Enable the arithmetic/floating-point extension")
	var kb uint
	fs.UintVar(&kb, "cpu.kb", 0, "Initial operator key switches")
	fs.BoolVar(&c.ModificationsPresent, "cpu.modifications", true, "Hardware modification-counter option present")
	fs.BoolVar(&c.UserIOIllegal, "cpu.user_io_illegal", false, "OU/IN in user mode raise ILLEGAL")
	fs.BoolVar(&c.StopOnNoMem, "cpu.stop_on_nomem", false, "A no-mem fault transitions the CPU to STOP")
	fs.BoolVar(&c.SpeedReal, "cpu.speed_real", false, "Throttle the run loop to wall-clock time")
	fs.IntVar(&c.ThrottleGranularityUs, "cpu.throttle_granularity", 10000, "Microseconds accumulated before a throttle sleep")
	fs.Float64Var(&c.SpeedFactor, "cpu.speed_factor", 1.0, "Nominal-time multiplier (0.1..2.0), applied when cpu.speed_real is set")
	fs.BoolVar(&c.SoundEnabled, "sound.enabled", false, "Sound option (parsed only; no audio output is produced)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	c.KB = uint16(kb)
	if c.Modules < 1 || c.Modules > 16 {
		return nil, fmt.Errorf("config: -modules must be in 1..16, got %d", c.Modules)
	}
	if c.SegsPerMod < 1 || c.SegsPerMod > 8 {
		return nil, fmt.Errorf("config: -segments must be in 1..8, got %d", c.SegsPerMod)
	}
	if c.SpeedFactor < 0.1 || c.SpeedFactor > 2.0 {
		return nil, fmt.Errorf("config: -cpu.speed_factor must be in 0.1..2.0, got %v", c.SpeedFactor)
	}
	return c, nil
}
