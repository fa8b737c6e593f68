package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anupcshan/blkflush/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nbdserver",
	Short: "NBD server with ordered cache flushes",
	Long: `nbdserver exports a file as a Network Block Device.

Writes carrying FUA and flush requests are sequenced so that every flush the
client asks for covers exactly the writes it depends on, while concurrent
requests share flushes.`,
	SilenceUsage: true,
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":         "listen",
	"metrics-listen": "metrics_listen",
	"file":           "export.file",
	"export":         "export.name",
	"log-level":      "log.level",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: blkflush.yaml in ., $HOME/.blkflush, /etc/blkflush)")
	rootCmd.PersistentFlags().String("file", "/tmp/nbd-backing-file", "Path to the backing file. This file should already exist unless export.size is set")
	rootCmd.PersistentFlags().String("export", "default", "Name of the file-backed export")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
}

// loadConfig reads the configuration, letting flags set on cmd override file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	return config.Load(v, configPath)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for flag, key := range flagKeys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "binding flag --%s", flag)
		}
	}
	return nil
}

func main() {
	rootCmd.AddCommand(serveCmd, flushCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
