package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	telemetry "github.com/aldas/go-vehicle-telemetry"
	"github.com/aldas/go-vehicle-telemetry/candump"
	"github.com/aldas/go-vehicle-telemetry/decoder"
	"github.com/aldas/go-vehicle-telemetry/exporter"
	"github.com/aldas/go-vehicle-telemetry/internal/config"
	"github.com/aldas/go-vehicle-telemetry/internal/logger"
	"github.com/aldas/go-vehicle-telemetry/metric"
	"github.com/aldas/go-vehicle-telemetry/profile"
	"github.com/aldas/go-vehicle-telemetry/slcan"
	"github.com/aldas/go-vehicle-telemetry/socketcan"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/tarm/serial"
	"golang.org/x/sync/errgroup"
)

// maxConsecutiveReadErrors is number of read errors in a row after frame source is considered broken
const maxConsecutiveReadErrors = 20

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "# %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "# %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log, os.Stdout); err != nil {
		log.Error().Err(err).Msg("vehiclemon failed")
		cancel()
		os.Exit(1)
	}
}

// run decodes frames from configured source until context is cancelled or source ends.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, stdout io.Writer) error {
	table, err := loadTable(cfg.Vehicle, cfg.Table)
	if err != nil {
		return err
	}
	store := metric.NewStore()
	dec, err := decoder.NewFromTable(store, table, decoder.Config{
		Logger:       &log,
		CycleTimeout: cfg.CycleTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	log.Info().
		Str("vehicle", cfg.Vehicle).
		Int("metrics", store.Len()).
		Int("rules", len(table.Rules)).
		Msg("decoding table loaded")

	reader, err := openSource(cfg, &log)
	if err != nil {
		return err
	}
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close frame source")
		}
	}()
	if err := reader.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize frame source: %w", err)
	}
	log.Info().Str("source", cfg.Source).Msg("starting to read frames")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// end of replay stops exporter and dump
		defer cancel()
		return readFrames(gctx, reader, dec, &log)
	})

	if cfg.ListenAddress != "" {
		exp := exporter.NewPrometheusExporter(exporter.Config{
			Address:        cfg.ListenAddress,
			Path:           cfg.MetricsPath,
			RuntimeMetrics: cfg.RuntimeMetrics,
			Logger:         &log,
		}, store, dec)
		g.Go(func() error {
			return exp.Start(gctx)
		})
	}

	if cfg.DumpInterval > 0 {
		d := newDumper(store, cfg.DumpFormat, parseMetricFilter(cfg.DumpMetrics))
		d.out = stdout
		d.fileName = cfg.DumpFile
		g.Go(func() error {
			return d.run(gctx, cfg.DumpInterval)
		})
	}

	err = g.Wait()
	stats := dec.Stats()
	log.Info().
		Uint64("frames", stats.Frames).
		Uint64("decoded", stats.Decoded).
		Uint64("unknown", stats.Unknown).
		Uint64("malformed", stats.Malformed).
		Uint64("cycles_completed", stats.CyclesCompleted).
		Uint64("cycles_abandoned", stats.CyclesAbandoned).
		Msg("finished")
	return err
}

// loadTable loads embedded vehicle profile and merges optional table file over it.
func loadTable(vehicle string, path string) (decoder.Table, error) {
	table, err := profile.Load(vehicle)
	if err != nil {
		return decoder.Table{}, err
	}
	if path == "" {
		return table, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return decoder.Table{}, fmt.Errorf("invalid table path: %w", err)
	}
	extra, err := decoder.LoadTable(os.DirFS(filepath.Dir(abs)), filepath.Base(abs))
	if err != nil {
		return decoder.Table{}, err
	}
	return table.Merge(extra), nil
}

func openSource(cfg *config.Config, log *zerolog.Logger) (telemetry.FrameReader, error) {
	switch cfg.Source {
	case config.SourceSocketCAN:
		return socketcan.NewDevice(socketcan.DeviceConfig{
			InterfaceName: cfg.Interface,
			Bus:           cfg.Bus,
			Logger:        log,
		}), nil
	case config.SourceSLCAN:
		port, err := serial.OpenPort(&serial.Config{
			Name: cfg.SerialPort,
			Baud: cfg.SerialBaud,
			// ReadTimeout is duration that Read call is allowed to block. Device has different timeout for situation when
			// there is no activity on bus.
			ReadTimeout: 100 * time.Millisecond,
			Size:        8,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open serial port: %w", err)
		}
		return slcan.NewDevice(port, slcan.Config{
			Bus:                   cfg.Bus,
			Bitrate:               cfg.Bitrate,
			ListenOnly:            cfg.ListenOnly,
			ReceiveDataTimeout:    5 * time.Second,
			DebugLogRawFrameBytes: cfg.LogRawBytes,
			Logger:                log,
		}), nil
	case config.SourceCandump:
		f, err := os.Open(cfg.ReplayFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open replay file: %w", err)
		}
		return candump.NewReader(f, candump.Config{
			Paced:  cfg.ReplayPaced,
			Logger: log,
		}), nil
	}
	return nil, fmt.Errorf("unknown frame source: %v", cfg.Source)
}

// readFrames passes frames from reader to handler until reader ends or context is cancelled.
func readFrames(ctx context.Context, reader telemetry.FrameReader, handler telemetry.FrameHandler, log *zerolog.Logger) error {
	errorCount := 0
	for {
		frame, err := reader.ReadFrame(ctx)
		if errors.Is(err, io.EOF) {
			log.Info().Msg("end of frame source")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			errorCount++
			log.Warn().Err(err).Int("count", errorCount).Msg("failed to read frame")
			if errorCount > maxConsecutiveReadErrors {
				return fmt.Errorf("too many consecutive read errors: %w", err)
			}
			continue
		}
		errorCount = 0
		handler.OnFrame(frame)
	}
}
