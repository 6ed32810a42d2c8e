// hiresyncd keeps a local HireWire store synchronized with the backend. It
// runs the pull/push engine, the background queue replay loop, and periodic
// auto-backups, and exposes admin subcommands for queue and store inspection.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

const app = "hiresyncd"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   app,
	Short: "hiresyncd synchronizes the local HireWire store with the backend",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is hiresyncd.yaml in current directory)")
	rootCmd.PersistentFlags().String("db", "hiresync.db", "path to the local SQLite store")
	rootCmd.PersistentFlags().String("log-file", "", "log file with rotation (default is stderr only)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")

	viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file"))
	viper.BindPFlag("log.debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("HIRESYNC")
	viper.AutomaticEnv()

	// Missing config file is fine; flags and env cover everything.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
			os.Exit(1)
		}
	}
}

// newLogger builds the process logger. With log.file set, output goes to a
// rotating file and stderr; otherwise stderr only.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("log.debug") {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if path := viper.GetString("log.file"); path != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if d := viper.GetDuration(key); d > 0 {
		return d
	}
	return fallback
}
