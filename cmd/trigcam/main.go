// Command trigcam runs one hardware-synchronized multi-camera
// acquisition session end to end: load a run configuration, sequence
// capture/encode workers around the trigger microcontroller, and exit
// with a code reflecting why the run ended.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/openbehavior/trigcam/pkg/config"
	"github.com/openbehavior/trigcam/pkg/orchestrator"
	"github.com/openbehavior/trigcam/pkg/rlog"
)

const (
	exitOK             = 0
	exitConfigInvalid  = 1
	exitMcuHandshake   = 2
	exitWorkerCrash    = 3
	exitOperatorAbort  = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("trigcam", flag.ContinueOnError)
	logFlags := rlog.RegisterFlags(fs)

	configPath := fs.String("config", "", "Path to the run configuration YAML file (required)")
	saveDir := fs.String("save", "", "Output directory; overrides the config file's save_dir")
	duration := fs.Float64("duration", 0, "Run duration in seconds; overrides the config file's duration_s")
	mcuPorts := fs.String("mcu-port", "", "Comma-separated candidate MCU serial ports; overrides the config file's mcu.port")
	displayAddr := fs.String("display-addr", "", "Address to serve the operator preview on (e.g. :8090); empty disables preview")
	prefix := fs.String("prefix", "trigcam", "Output filename prefix")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config run.yaml -save ./data -duration 600\n\n", fs.Name())
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return exitConfigInvalid
	}

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "trigcam: %v\n", err)
		return exitConfigInvalid
	}
	logger, err := rlog.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trigcam: %v\n", err)
		return exitConfigInvalid
	}
	defer logger.Close()

	if *configPath == "" {
		logger.Error("-config is required")
		return exitConfigInvalid
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return exitConfigInvalid
	}

	opts := orchestrator.Options{
		SaveDir:     firstNonEmpty(*saveDir, cfg.SaveDir),
		DurationS:   firstPositive(*duration, cfg.DurationS),
		Prefix:      *prefix,
		DisplayAddr: *displayAddr,
	}
	if *mcuPorts != "" {
		opts.CandidateMCUPorts = strings.Split(*mcuPorts, ",")
		// The MCU controller opens a configured port in preference to
		// candidates, so clear it for the flag to take effect.
		cfg.MCU.Port = ""
	} else if cfg.MCU.Port != "" {
		opts.CandidateMCUPorts = []string{cfg.MCU.Port}
	}

	orch, err := orchestrator.New(cfg, opts, logger)
	if err != nil {
		logger.Error("failed to construct orchestrator", "error", err)
		return exitConfigInvalid
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal, stopping acquisition", "signal", sig)
		interrupted.Store(true)
		cancel()
	}()

	logger.Info("starting acquisition", "config", *configPath, "save_dir", opts.SaveDir, "duration_s", opts.DurationS)
	start := time.Now()
	runErr := orch.Run(ctx)
	logger.Info("acquisition ended", "elapsed", time.Since(start))

	if interrupted.Load() {
		return exitOperatorAbort
	}

	switch {
	case runErr == nil:
		return exitOK
	case errors.Is(runErr, orchestrator.ErrConfigInvalid):
		logger.Error("acquisition failed: invalid configuration", "error", runErr)
		return exitConfigInvalid
	case errors.Is(runErr, orchestrator.ErrMcuHandshakeFailure):
		logger.Error("acquisition failed: mcu handshake failure", "error", runErr)
		return exitMcuHandshake
	case errors.Is(runErr, orchestrator.ErrWorkerCrash):
		logger.Error("acquisition failed: worker crash", "error", runErr)
		return exitWorkerCrash
	default:
		logger.Error("acquisition failed", "error", runErr)
		return exitWorkerCrash
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
