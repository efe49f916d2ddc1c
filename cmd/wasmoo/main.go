// Command wasmoo runs the bundled guest compiler. Every argument is passed
// to the guest unchanged; host settings come from the file named by
// WASMOO_CONFIG and WASMOO_* environment variables.
package main

//go:generate go run ../fetchguest --manifest ../../assets/guest.yaml --out-dir ../../assets

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/woxQAQ/wasmoo/internal/config"
	"github.com/woxQAQ/wasmoo/internal/launcher"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "wasmoo:", err)
		return launcher.ExitFatal
	}

	logger, err := launcher.NewLogger(cfg.Level())
	if err != nil {
		fmt.Fprintln(os.Stderr, "wasmoo:", err)
		return launcher.ExitFatal
	}
	defer logger.Sync()

	logger.Debug("Starting wasmoo",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("date", date),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	program := filepath.Base(os.Args[0])
	out := launcher.New(cfg, logger).Run(ctx, program, os.Args[1:])
	if !out.OK() {
		fmt.Fprintln(os.Stderr, out.Diagnostic)
	}
	return out.ExitCode
}
