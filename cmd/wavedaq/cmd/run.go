package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jt05610/wavedaq/analysis"
	"github.com/jt05610/wavedaq/automate"
	"github.com/jt05610/wavedaq/daq"
	"github.com/jt05610/wavedaq/driver"
	"github.com/jt05610/wavedaq/env"
	"github.com/jt05610/wavedaq/notify"
	"github.com/jt05610/wavedaq/relay"
	"github.com/jt05610/wavedaq/wavegen"
)

var (
	folder      string
	pkpk        float64
	offset      float64
	waves       int
	hystPeriods []float64
	rampTimes   []float64
	rampRest    float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the actuator characterization sweep",
	Long: `Run the hysteresis and ramp sweeps against the connected actuator.
Acquisitions whose output file already exists are skipped, so an interrupted
sweep can be resumed by running the command again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		environ := env.LoadEnv(logger)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt)
		go func() {
			<-c // Wait for SIGINT
			cancel()
		}()

		ch := relay.NewChannel()
		srv := relay.NewServer(ch, logger)
		go func() {
			if err := srv.Serve(ctx, environ.ListenAddr); err != nil {
				logger.Fatal("relay server failed", zap.Error(err))
			}
		}()
		logger.Info("relay listening", zap.String("addr", environ.ListenAddr))

		client := automate.NewClient(ch, logger)
		d, err := driver.New(ctx, client, driver.Config{
			GeneratorWindow: environ.GeneratorWindow,
			Gain:            environ.Gain,
			Window:          environ.Window,
			WindowBuffer:    environ.WindowBuffer,
			ExportDir:       environ.ExportDir,
		}, logger)
		if err != nil {
			return err
		}

		var pub *notify.Publisher
		if environ.URI != "" {
			conn, err := notify.Dial(environ.URI)
			if err != nil {
				return err
			}
			defer func() {
				if err := conn.Close(); err != nil {
					logger.Error("failed to close connection", zap.Error(err))
				}
			}()
			pub, err = notify.NewPublisher(conn, environ.Exchange, environ.DeviceID, logger)
			if err != nil {
				return err
			}
		}

		// Hysteresis: full-speed triangles over the period sweep.
		settings := wavegen.Settings{PkPk: pkpk, Offset: offset, SymmetryP: 100}
		for _, p := range hystPeriods {
			settings.Period = time.Duration(p * float64(time.Second))
			if err := acquire(ctx, d, pub, settings, logger); err != nil {
				return err
			}
		}

		// Ramp: trapezoids with a fixed rest time over the ramp-time sweep.
		for _, rt := range rampTimes {
			settings.PkPk = pkpk
			settings.Offset = offset
			settings.SetRampTime(
				time.Duration(rt*float64(time.Second)),
				time.Duration(rampRest*float64(time.Second)),
			)
			if err := acquire(ctx, d, pub, settings, logger); err != nil {
				return err
			}
		}

		return d.Stop(ctx)
	},
}

func acquire(ctx context.Context, d *driver.Driver, pub *notify.Publisher, settings wavegen.Settings, logger *zap.Logger) error {
	path := filepath.Join(folder, settings.FileName())
	if _, err := os.Stat(path); err == nil {
		logger.Info("skipping existing acquisition", zap.String("file", path))
		return nil
	}
	logger.Info("running acquisition",
		zap.String("file", path),
		zap.Duration("period", settings.Period),
		zap.Float64("symmetry_p", settings.SymmetryP))
	aq, err := d.AcquireWaves(ctx, settings, waves)
	if err != nil {
		return err
	}
	if err := writeExport(path, aq); err != nil {
		return err
	}
	for _, s := range analysis.Summarize(aq) {
		logger.Info("channel summary",
			zap.String("channel", s.Channel),
			zap.Float64("span", s.Span),
			zap.Float64("mean", s.Mean),
			zap.Float64("stddev", s.StdDev))
	}
	if pub != nil {
		if err := pub.AcquisitionComplete(ctx, aq, path); err != nil {
			return err
		}
	}
	return nil
}

func writeExport(path string, aq *daq.Acquisition) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := aq.WriteTo(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&folder, "folder", "f", ".", "folder for acquisition exports")
	runCmd.Flags().Float64VarP(&pkpk, "pkpk", "p", 400, "peak-to-peak amplitude at the actuator")
	runCmd.Flags().Float64VarP(&offset, "offset", "o", 0, "DC offset at the actuator")
	runCmd.Flags().IntVarP(&waves, "waves", "n", 20, "complete waveform periods per acquisition")
	runCmd.Flags().Float64SliceVar(&hystPeriods, "periods", []float64{0.25, 1, 5, 20}, "hysteresis sweep periods in seconds")
	runCmd.Flags().Float64SliceVar(&rampTimes, "ramps", []float64{0.1, 1, 5}, "ramp sweep ramp times in seconds")
	runCmd.Flags().Float64Var(&rampRest, "rest", 30, "rest time between ramps in seconds")
}
