package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/anupcshan/blkflush/blockdevice/file"
	"github.com/anupcshan/blkflush/config"
	"github.com/anupcshan/blkflush/protocol"
)

const shutdownFlushTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the backing file over NBD",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "0.0.0.0:10809", "Address to listen on")
	serveCmd.Flags().String("metrics-listen", "", "Address to serve prometheus metrics on, disabled if empty")
}

// openExport opens the backing file and starts the export over it. The returned function stops the
// export and closes the file.
func openExport(cfg *config.Config, log zerolog.Logger) (*protocol.Export, func(), error) {
	size, err := cfg.Export.Bytes()
	if err != nil {
		return nil, nil, err
	}
	flags := os.O_RDWR
	if size > 0 {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(cfg.Export.File, flags, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening backing file")
	}
	if size > 0 {
		if err := f.Truncate(int64(size)); err != nil {
			_ = f.Close()
			return nil, nil, errors.Wrap(err, "resizing backing file")
		}
	}

	dev, err := file.NewFileDevice(f, file.WithFeatures(cfg.Export.Features()))
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	export := protocol.NewExport(cfg.Export.Name, dev, protocol.ExportOptions{
		HWQueues: cfg.Queue.HWQueues,
		Depth:    cfg.Queue.Depth,
		Flush:    cfg.FlushConfig(),
		Logger:   log,
	})
	return export, func() {
		export.Close()
		_ = f.Close()
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	export, closeExport, err := openExport(cfg, log)
	if err != nil {
		return err
	}
	defer closeExport()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "listening")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv := &protocol.NbdServer{
		Exports: map[string]*protocol.Export{cfg.Export.Name: export},
		Logger:  log,
	}
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ms := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		g.Go(func() error {
			if err := ms.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "serving metrics")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return ms.Shutdown(context.Background())
		})
	}

	log.Info().
		Str("listen", cfg.Listen).
		Str("metrics_listen", cfg.MetricsListen).
		Str("file", cfg.Export.File).
		Msg("serving")
	err = g.Wait()

	// Whatever clients left in the cache goes to disk before the file is closed.
	fctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()
	if ferr := export.Sequencer().Flush(fctx); ferr != nil {
		log.Error().Err(ferr).Msg("final flush failed")
	}
	log.Info().Msg("stopped")
	return err
}
