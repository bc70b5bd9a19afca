package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickwheel/internal/app"
	"tickwheel/pkg/systemd"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./wheeld.yaml", "path to config file (.json, .yaml or .yml)")
	flag.Parse()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	// The app context is not tied to signals: a signal means a graceful Stop,
	// while a canceled app context means the wheel died.
	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = systemd.Ready()

	wdCtx, wdCancel := context.WithCancel(context.Background())
	defer wdCancel()
	go func() { _ = systemd.Watchdog(wdCtx, a.Healthy) }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	reason := app.StopFatalError
wait:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				_, _ = systemd.Reloading()
				rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if _, err := a.Reload(rctx); err != nil {
					fmt.Fprintln(os.Stderr, "reload:", err)
				}
				cancel()
				_, _ = systemd.Ready()
				continue
			}
			reason = app.ReasonFromSignal(sig)
			break wait
		case <-a.Done():
			break wait
		}
	}

	_, _ = systemd.Stopping()
	wdCancel()
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
