package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var flushTimeout time.Duration

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Write back the backing file's cache through the flush sequencer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
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

		ctx, cancel := context.WithTimeout(cmd.Context(), flushTimeout)
		defer cancel()

		start := time.Now()
		if err := export.Sequencer().Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "flushed %s (%s) in %s\n",
			cfg.Export.File, humanize.IBytes(export.Size()), time.Since(start).Round(time.Microsecond))
		return nil
	},
}

func init() {
	flushCmd.Flags().DurationVar(&flushTimeout, "timeout", time.Minute, "give up waiting after this long")
}
