package main

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/anupcshan/blkflush/blockdevice"
	"github.com/anupcshan/blkflush/config"
	"github.com/anupcshan/blkflush/flush"
)

func TestOpenExportAdvertisesConfiguredFeatures(t *testing.T) {
	for _, export := range []config.Export{
		{WriteCache: true},
		{WriteCache: true, FUA: true},
		{WriteCache: true, Rotational: true},
		{},
	} {
		export.Name = "features"
		export.File = filepath.Join(t.TempDir(), "backing")
		export.Size = "1MiB"
		cfg := &config.Config{
			Export: export,
			Queue:  config.Queue{Depth: 4, HWQueues: 1, ReservedFlushSlot: true},
			Flush: config.Flush{
				Timeout:     flush.DefaultFlushTimeout,
				DeferPolicy: flush.DeferUnlessCongested.String(),
			},
		}

		e, closeExport, err := openExport(cfg, zerolog.Nop())
		require.NoError(t, err)
		require.Equal(t, cfg.Export.Features(), e.Sequencer().Features())
		require.Equal(t, uint64(1<<20), e.Size())
		closeExport()
	}
}

func TestOpenExportKeepsExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backing")
	cfg := &config.Config{
		Export: config.Export{Name: "sized", File: path, Size: "64KiB", WriteCache: true},
		Queue:  config.Queue{Depth: 4, HWQueues: 1, ReservedFlushSlot: true},
		Flush:  config.Flush{Timeout: flush.DefaultFlushTimeout, DeferPolicy: flush.DeferNever.String()},
	}
	_, closeExport, err := openExport(cfg, zerolog.Nop())
	require.NoError(t, err)
	closeExport()

	cfg.Export.Size = ""
	e, closeExport, err := openExport(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer closeExport()
	require.Equal(t, uint64(64<<10), e.Size())
	require.Equal(t, blockdevice.HasWriteCache, e.Sequencer().Features())
}
