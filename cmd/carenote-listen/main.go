// Command carenote-listen runs one transcription session from the terminal
// until interrupted, then prints the final transcript.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"carenote/internal/bootstrap"
	"carenote/internal/metrics"
)

func main() {
	lang := flag.String("lang", "", "Input language code, e.g. en, es, yue")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	sink := newTerminalSink(os.Stdout, os.Stderr)
	services, err := bootstrap.Build(sink, fixedLanguage(*lang))
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer services.Close()
	logger := services.Logger

	addr := *metricsAddr
	if addr == "" {
		addr = services.Config.Metrics.Address
	}
	var metricsServer *metrics.Server
	if addr != "" {
		metricsServer, err = services.Metrics.Listen(addr, logger)
		if err != nil {
			logger.Error("metrics disabled", slog.String("error", err.Error()))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The session outlives the signal context so Stop can flush it.
	if err := services.Controller.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start listening: %v", err)
	}
	fmt.Fprintln(os.Stderr, "Listening. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
	case <-sink.Ended():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	status := services.Controller.Stop(stopCtx)

	if metricsServer != nil {
		_ = metricsServer.Shutdown(stopCtx)
	}

	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(os.Stdout, strings.TrimSpace(status.Transcript))
	if status.Error != "" {
		fmt.Fprintf(os.Stderr, "session ended with error: %s\n", status.Error)
		os.Exit(1)
	}
}

type fixedLanguage string

func (l fixedLanguage) InputLanguage(context.Context) string {
	return string(l)
}
