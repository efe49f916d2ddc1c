// Command fetchguest downloads the guest binary named by a release
// manifest into the assets directory. It runs from go generate.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/woxQAQ/wasmoo/internal/assets"
	"github.com/woxQAQ/wasmoo/internal/launcher"
)

func main() {
	flags := pflag.NewFlagSet("fetchguest", pflag.ExitOnError)
	flags.String("manifest", "assets/guest.yaml", "Path to the guest release manifest")
	flags.String("out-dir", "assets", "Directory receiving the guest binary")
	flags.Duration("timeout", 5*time.Minute, "Download timeout")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("WASMOO_FETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, "fetchguest:", err)
		os.Exit(2)
	}

	level, err := zapcore.ParseLevel(v.GetString("log-level"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "fetchguest:", err)
		os.Exit(2)
	}
	logger, err := launcher.NewLogger(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fetchguest:", err)
		os.Exit(2)
	}
	defer logger.Sync()

	m, err := assets.ParseManifest(v.GetString("manifest"))
	if err != nil {
		logger.Fatal("Failed to load manifest", zap.Error(err))
	}
	logger.Debug("Loaded manifest", zap.String("manifest", m.Path()), zap.String("file", m.File))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: v.GetDuration("timeout")}
	dest, err := assets.NewFetcher(client, logger).Fetch(ctx, m, v.GetString("out-dir"))
	if err != nil {
		logger.Fatal("Failed to fetch guest binary", zap.Error(err))
	}

	logger.Info("Guest binary ready", zap.String("path", dest), zap.String("release", m.Release))
}
