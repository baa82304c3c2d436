package driver

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jt05610/wavedaq/automate"
	"github.com/jt05610/wavedaq/daq"
	"github.com/jt05610/wavedaq/wavegen"
)

const (
	// DefaultWindow is how much time the instrument's history logger keeps
	// before old samples fall out of its capped buffer.
	DefaultWindow = 125 * time.Second
	// DefaultWindowBuffer is the safety margin subtracted from the window so
	// an export is always triggered before coverage lapses.
	DefaultWindowBuffer = 5 * time.Second
	// DefaultGain is the external amplifier gain between the generator
	// output and the actuator.
	DefaultGain = 40.

	DefaultGeneratorWindow = "WaveForms (new workspace)"
	DefaultHistoryWindow   = "History"
)

type Config struct {
	// GeneratorWindow is the title of the window controlling the generator.
	GeneratorWindow string
	// HistoryWindow is the title of the instrument's history viewer, which
	// must be focused while an export is triggered.
	HistoryWindow string
	// Gain divides requested amplitudes and offsets down to generator
	// voltages: generator setting = requested / Gain / 2.
	Gain float64
	// Window and WindowBuffer bound one export cycle.
	Window       time.Duration
	WindowBuffer time.Duration
	// PollInterval paces the in-window progress loop.
	PollInterval time.Duration
	// FilePoll and FileTimeout bound the wait for an export to land on disk.
	FilePoll    time.Duration
	FileTimeout time.Duration
	// SettleTime is the extra wait after the export appears, letting the
	// instrument finish writing it.
	SettleTime time.Duration
	// ExportDir is where exports are staged; empty means the system temp
	// directory.
	ExportDir string
	// Channels are the columns extracted from each export.
	Channels []string
}

func (c Config) withDefaults() Config {
	if c.GeneratorWindow == "" {
		c.GeneratorWindow = DefaultGeneratorWindow
	}
	if c.HistoryWindow == "" {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.Gain == 0 {
		c.Gain = DefaultGain
	}
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.WindowBuffer == 0 {
		c.WindowBuffer = DefaultWindowBuffer
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.FilePoll == 0 {
		c.FilePoll = 100 * time.Millisecond
	}
	if c.FileTimeout == 0 {
		c.FileTimeout = 30 * time.Second
	}
	if c.SettleTime == 0 {
		c.SettleTime = 100 * time.Millisecond
	}
	if c.ExportDir == "" {
		c.ExportDir = os.TempDir()
	}
	if c.Channels == nil {
		c.Channels = daq.DefaultChannels
	}
	return c
}

// Driver runs windowed acquisitions against the generator and instrument
// through the automation agent. All methods issue at most one remote command
// at a time; the last-applied generator settings are cached so unchanged
// values cost no round-trip.
type Driver struct {
	client *automate.Client
	logger *zap.Logger
	cfg    Config

	pkpk     *float64
	period   *time.Duration
	offset   *float64
	symmetry *float64
}

// New verifies the generator window is open, selects the trapezium waveform,
// and returns a driver. Failing the window check here keeps a missing
// application from surfacing halfway through an acquisition.
func New(ctx context.Context, client *automate.Client, cfg Config, logger *zap.Logger) (*Driver, error) {
	cfg = cfg.withDefaults()
	open, err := client.IsWindowOpen(ctx, cfg.GeneratorWindow, "")
	if err != nil {
		return nil, err
	}
	if !open {
		return nil, fmt.Errorf("%q is not open", cfg.GeneratorWindow)
	}
	if err := client.WavegenSetTrapezium(ctx); err != nil {
		return nil, err
	}
	return &Driver{client: client, logger: logger, cfg: cfg}, nil
}

func (d *Driver) SetPkPk(ctx context.Context, pkpk float64) error {
	if d.pkpk != nil && *d.pkpk == pkpk {
		return nil
	}
	if err := d.client.WavegenSetAmplitude(ctx, pkpk/d.cfg.Gain/2); err != nil {
		return err
	}
	d.pkpk = &pkpk
	return nil
}

func (d *Driver) SetPeriod(ctx context.Context, period time.Duration) error {
	if d.period != nil && *d.period == period {
		return nil
	}
	if err := d.client.WavegenSetPeriod(ctx, period.Seconds()); err != nil {
		return err
	}
	d.period = &period
	return nil
}

func (d *Driver) SetOffset(ctx context.Context, offset float64) error {
	if d.offset != nil && *d.offset == offset {
		return nil
	}
	if err := d.client.WavegenSetOffset(ctx, offset/d.cfg.Gain/2); err != nil {
		return err
	}
	d.offset = &offset
	return nil
}

func (d *Driver) SetSymmetry(ctx context.Context, symmetry float64) error {
	if d.symmetry != nil && *d.symmetry == symmetry {
		return nil
	}
	if err := d.client.WavegenSetSymmetry(ctx, symmetry); err != nil {
		return err
	}
	d.symmetry = &symmetry
	return nil
}

// ApplySettings pushes each changed setting to the generator. Repeated calls
// with identical settings issue no remote commands.
func (d *Driver) ApplySettings(ctx context.Context, s wavegen.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := d.SetPkPk(ctx, s.PkPk); err != nil {
		return err
	}
	if err := d.SetPeriod(ctx, s.Period); err != nil {
		return err
	}
	if err := d.SetOffset(ctx, s.Offset); err != nil {
		return err
	}
	return d.SetSymmetry(ctx, s.SymmetryP)
}

// Start turns the generator output on if it is not already running.
func (d *Driver) Start(ctx context.Context) error {
	return d.setRunning(ctx, true)
}

// Stop turns the generator output off if it is running.
func (d *Driver) Stop(ctx context.Context) error {
	return d.setRunning(ctx, false)
}

func (d *Driver) setRunning(ctx context.Context, desired bool) error {
	if err := d.focusWindow(ctx, d.cfg.GeneratorWindow); err != nil {
		return err
	}
	running, err := d.client.WavegenIsRunning(ctx)
	if err != nil {
		return err
	}
	if running == desired {
		return nil
	}
	return d.client.WavegenToggleRunning(ctx)
}

func (d *Driver) focusWindow(ctx context.Context, title string) error {
	focused, err := d.client.GetOpenWindow(ctx)
	if err != nil {
		return err
	}
	if focused == title {
		return nil
	}
	return d.client.FocusWindow(ctx, title, "")
}

// withWindow focuses a window, runs f, and restores the previously focused
// window regardless of f's outcome.
func (d *Driver) withWindow(ctx context.Context, title string, f func(context.Context) error) error {
	previous, err := d.client.GetOpenWindow(ctx)
	if err != nil {
		return err
	}
	if err := d.focusWindow(ctx, title); err != nil {
		return err
	}
	ferr := f(ctx)
	if err := d.focusWindow(ctx, previous); err != nil && ferr == nil {
		return err
	}
	return ferr
}

// AcquireWaves records n complete waveform periods, plus one extra period so
// the trim never starves the caller.
func (d *Driver) AcquireWaves(ctx context.Context, s wavegen.Settings, n int) (*daq.Acquisition, error) {
	return d.AcquireDuration(ctx, s, time.Duration(n+1)*s.Period)
}

// AcquireDuration records one continuous series of the requested duration.
// The instrument only exports a capped window, so the driver triggers an
// export before each window's coverage lapses and folds the overlapping
// exports together, then trims the result to exactly the requested span.
func (d *Driver) AcquireDuration(ctx context.Context, s wavegen.Settings, duration time.Duration) (*daq.Acquisition, error) {
	if err := d.ApplySettings(ctx, s); err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		return nil, err
	}
	total := duration + d.cfg.WindowBuffer
	windows := int(math.Ceil(duration.Seconds() / d.cfg.Window.Seconds()))
	deadline := time.Now().Add(total)
	windowEnd := time.Now().Add(d.cfg.Window)
	var acc *daq.Acquisition
	for i := 1; ; i++ {
		d.logger.Info("acquiring window",
			zap.Int("window", i),
			zap.Int("windows", windows),
			zap.Duration("remaining", time.Until(deadline)))
		done, err := d.awaitWindow(ctx, deadline, windowEnd)
		if err != nil {
			return nil, err
		}
		windowEnd = time.Now().Add(d.cfg.Window - d.cfg.WindowBuffer)
		window, err := d.readHistory(ctx)
		if err != nil {
			return nil, err
		}
		window.Settings = s
		if acc == nil {
			acc = window
		} else if err := acc.Combine(window); err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	acc.Trim(duration)
	acc.Settings = s
	return acc, nil
}

// awaitWindow sleeps in poll-sized steps until either the window budget or
// the whole acquisition elapses, reporting which.
func (d *Driver) awaitWindow(ctx context.Context, deadline, windowEnd time.Time) (bool, error) {
	for {
		acquisitionDone := !time.Now().Before(deadline)
		windowDone := !time.Now().Before(windowEnd)
		if acquisitionDone || windowDone {
			return acquisitionDone, nil
		}
		d.logger.Debug("waiting for window", zap.Duration("window_remaining", time.Until(windowEnd)))
		if err := sleep(ctx, d.cfg.PollInterval); err != nil {
			return false, err
		}
	}
}

// readHistory triggers one export, waits for the file to land, parses it,
// and removes it.
func (d *Driver) readHistory(ctx context.Context) (*daq.Acquisition, error) {
	name := fmt.Sprintf("temp%d.dat", time.Now().UnixNano())
	path := filepath.Join(d.cfg.ExportDir, name)
	err := d.withWindow(ctx, d.cfg.HistoryWindow, func(ctx context.Context) error {
		return d.client.SaveHistory(ctx, d.cfg.ExportDir, name)
	})
	if err != nil {
		return nil, err
	}
	err = waitFor(ctx, d.cfg.FileTimeout, d.cfg.FilePoll, func() bool {
		_, err := os.Stat(path)
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("export %s never appeared: %w", path, err)
	}
	if err := sleep(ctx, d.cfg.SettleTime); err != nil {
		return nil, err
	}
	window, err := daq.Read(path, d.cfg.Channels)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil {
		return nil, err
	}
	d.logger.Debug("read export", zap.String("path", path), zap.Int("samples", window.Len()))
	return window, nil
}
