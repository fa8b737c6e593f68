// Package config loads the nbdserver configuration from a YAML file, BLKFLUSH_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/anupcshan/blkflush/blockdevice"
	"github.com/anupcshan/blkflush/flush"
)

type Config struct {
	Listen        string `mapstructure:"listen"`
	MetricsListen string `mapstructure:"metrics_listen"`
	Export        Export `mapstructure:"export"`
	Queue         Queue  `mapstructure:"queue"`
	Flush         Flush  `mapstructure:"flush"`
	Log           Log    `mapstructure:"log"`
}

type Export struct {
	Name string `mapstructure:"name"`
	File string `mapstructure:"file"`
	// Size, when set, resizes the backing file. Accepts humanized sizes such as "512MiB".
	Size       string `mapstructure:"size"`
	WriteCache bool   `mapstructure:"write_cache"`
	FUA        bool   `mapstructure:"fua"`
	Rotational bool   `mapstructure:"rotational"`
}

type Queue struct {
	Depth             int  `mapstructure:"depth"`
	HWQueues          int  `mapstructure:"hw_queues"`
	ReservedFlushSlot bool `mapstructure:"reserved_flush_slot"`
}

type Flush struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	DeferPolicy string        `mapstructure:"defer_policy"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File, when set, sends logs to a rotated file instead of stderr.
	File string `mapstructure:"file"`
}

// New returns a viper instance with every key defaulted and environment lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("blkflush")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.blkflush")
	v.AddConfigPath("/etc/blkflush")

	v.SetDefault("listen", "0.0.0.0:10809")
	v.SetDefault("metrics_listen", "")
	v.SetDefault("export.name", "default")
	v.SetDefault("export.file", "/tmp/nbd-backing-file")
	v.SetDefault("export.size", "")
	v.SetDefault("export.write_cache", true)
	v.SetDefault("export.fua", false)
	v.SetDefault("export.rotational", false)
	v.SetDefault("queue.depth", 32)
	v.SetDefault("queue.hw_queues", 1)
	v.SetDefault("queue.reserved_flush_slot", true)
	v.SetDefault("flush.timeout", flush.DefaultFlushTimeout)
	v.SetDefault("flush.defer_policy", flush.DeferUnlessCongested.String())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	// export.write_cache is read from BLKFLUSH_EXPORT_WRITE_CACHE.
	v.SetEnvPrefix("BLKFLUSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or blkflush.yaml from the search paths when path is empty, into a Config. A
// missing blkflush.yaml is not an error, a missing explicit path is.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Export.Name == "" {
		return errors.New("export.name must not be empty")
	}
	if c.Export.File == "" {
		return errors.New("export.file must not be empty")
	}
	if _, err := c.Export.Bytes(); err != nil {
		return err
	}
	if c.Queue.Depth <= 0 {
		return errors.Errorf("queue.depth must be positive, got %d", c.Queue.Depth)
	}
	if c.Queue.HWQueues <= 0 {
		return errors.Errorf("queue.hw_queues must be positive, got %d", c.Queue.HWQueues)
	}
	if c.Flush.Timeout <= 0 {
		return errors.Errorf("flush.timeout must be positive, got %s", c.Flush.Timeout)
	}
	if _, err := flush.ParseDeferPolicy(c.Flush.DeferPolicy); err != nil {
		return errors.Wrap(err, "flush.defer_policy")
	}
	return nil
}

// Bytes returns the configured export size, or 0 when the backing file keeps its size.
func (e Export) Bytes() (uint64, error) {
	if e.Size == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(e.Size)
	if err != nil {
		return 0, errors.Wrapf(err, "export.size %q", e.Size)
	}
	return n, nil
}

// Features returns the capabilities the export advertises.
func (e Export) Features() blockdevice.BlockDeviceFeatures {
	var f blockdevice.BlockDeviceFeatures
	if e.WriteCache {
		f |= blockdevice.HasWriteCache
	}
	if e.FUA {
		f |= blockdevice.SupportsFUA
	}
	if e.Rotational {
		f |= blockdevice.IsRotational
	}
	return f
}

// FlushConfig converts the flush and queue settings into sequencer tunables. The config must have
// been validated.
func (c *Config) FlushConfig() flush.Config {
	policy, _ := flush.ParseDeferPolicy(c.Flush.DeferPolicy)
	return flush.Config{
		Name:         c.Export.Name,
		FlushTimeout: c.Flush.Timeout,
		DeferPolicy:  policy,
		BorrowSlot:   !c.Queue.ReservedFlushSlot,
	}
}
