// Command em400 runs the MERA-400 emulator core: it parses configuration,
// assembles the memory/interrupt/CPU/channel subsystems, optionally loads a
// boot image, and runs the CPU until it halts or a signal arrives.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/jfilipowicz/em400core/internal/config"
	"github.com/jfilipowicz/em400core/internal/cpu"
	"github.com/jfilipowicz/em400core/internal/device"
	"github.com/jfilipowicz/em400core/internal/intr"
	"github.com/jfilipowicz/em400core/internal/mem"
	"github.com/jfilipowicz/em400core/internal/mx"
)

const version = "0.1.0"

var savedTermState *term.State

// setupTerminal puts stdin in raw mode when it's a real terminal, matching
// a physical console talking to a channel line's UART framing.
func setupTerminal() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	state, err := term.GetState(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to get terminal state: %w", err)
	}
	savedTermState = state
	if _, err := term.MakeRaw(int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	return nil
}

func restoreTerminal() {
	if savedTermState != nil {
		term.Restore(int(os.Stdin.Fd()), savedTermState)
	}
}

func fatal(format string, args ...any) {
	restoreTerminal()
	fmt.Fprintf(os.Stderr, "em400: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fatal("%v", err)
	}
	if cfg.ShowVersion {
		fmt.Printf("em400 %s\n", version)
		return
	}

	logger := log.New(os.Stderr, "em400: ", log.LstdFlags)

	m := mem.New()
	for mod := 0; mod < cfg.Modules; mod++ {
		if err := m.ConfigureModule(mod, cfg.SegsPerMod); err != nil {
			fatal("configuring memory: %v", err)
		}
	}
	for b := 0; b < mem.MaxBlocks; b++ {
		if err := m.Map(b, 0, 0, 0); err != nil {
			fatal("mapping block %d: %v", b, err)
		}
	}

	ic := intr.New()
	core := cpu.New(m, ic)
	core.KB = cfg.KB
	core.ModificationsPresent = cfg.ModificationsPresent
	core.StopOnNoMem = cfg.StopOnNoMem
	core.SetUserIOIllegal(cfg.UserIOIllegal)
	if cfg.AWPEnabled {
		logger.Printf("cpu.awp requested but no arithmetic-unit collaborator is wired in; AWP instructions will fault")
	}

	channel0 := mx.New(0, ic)
	defer channel0.Shutdown()
	core.Channels = channel0

	if cfg.SerialPort != "" {
		line := device.NewSerialLine(cfg.SerialPort, cfg.SerialBaud)
		if err := channel0.AttachDevice(0, line); err != nil {
			fatal("attaching serial line: %v", err)
		}
	}

	if cfg.TraceFile != "" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			fatal("opening trace file: %v", err)
		}
		defer f.Close()
		core.Trace = cpu.NewTracer(f)
	}

	if cfg.BootImage != "" {
		f, err := os.Open(cfg.BootImage)
		if err != nil {
			fatal("opening boot image: %v", err)
		}
		n, err := m.LoadImage(f, uint16(cfg.BootBlock))
		f.Close()
		if err != nil {
			fatal("loading boot image: %v", err)
		}
		logger.Printf("loaded %d words from %s into block %d", n, cfg.BootImage, cfg.BootBlock)
	}

	if err := setupTerminal(); err != nil {
		logger.Printf("terminal setup: %v (continuing without raw mode)", err)
	}
	defer restoreTerminal()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			core.Tick()
		}
	}()

	core.RequestState(cpu.StateRun)

	granularity := time.Duration(cfg.ThrottleGranularityUs) * time.Microsecond
	var accumulated time.Duration
	target := time.Now()

	var cycles uint64
	for {
		select {
		case <-sigs:
			logger.Printf("signal received, stopping")
			core.RequestState(cpu.StateStop)
			return
		default:
		}

		nominal, err := core.Step()
		if err == cpu.ErrHalted {
			logger.Printf("CPU halted")
			return
		}
		if err != nil {
			fatal("cpu step: %v", err)
		}
		cycles++
		if cfg.MaxCycles != 0 && cycles >= cfg.MaxCycles {
			logger.Printf("reached -max-cycles=%d, stopping", cfg.MaxCycles)
			return
		}

		if !cfg.SpeedReal || nominal < 0 {
			continue
		}
		accumulated += time.Duration(float64(nominal) * cfg.SpeedFactor)
		if accumulated < granularity {
			continue
		}
		target = target.Add(accumulated)
		accumulated = 0
		if d := time.Until(target); d > 0 {
			sleepUninterrupted(d)
		} else {
			target = time.Now()
		}
	}
}

// sleepUninterrupted blocks for at least d, matching the reference loop's
// absolute monotonic sleep that ignores signal-interruption: time.Sleep
// already has that property on every Go-supported OS, so this is a thin
// named wrapper documenting the intent rather than a retry loop.
func sleepUninterrupted(d time.Duration) {
	time.Sleep(d)
}
