// SPDX-License-Identifier: GPL-2.0-only

// Command usbip-agent is the Client Agent: it connects to a
// usbip-assignd control socket and attaches/detaches USB/IP devices as
// instructed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jessevdk/go-flags"

	"github.com/oss-usbip/usbip-assignd/internal/agent"
)

type options struct {
	Server         string        `long:"server" description:"usbip-assignd control-socket host" required:"true"`
	Port           int           `long:"port" default:"3240" description:"usbip-assignd control-socket port"`
	ClientID       string        `long:"client-id" description:"client ID to present to the daemon (defaults to the lowercased hostname)"`
	ReconnectDelay time.Duration `long:"reconnect-delay" default:"5s" description:"delay before reconnecting after a lost connection"`
	LogLevel       string        `long:"log-level" default:"info" description:"log level: all, debug, info, warn, error, none"`
}

func Main() error {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return err
	}

	clientID := opts.ClientID
	if clientID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		clientID = strings.ToLower(strings.TrimSpace(hostname))
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch strings.ToLower(opts.LogLevel) {
	case "all":
		logger = level.NewFilter(logger, level.AllowAll())
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	case "none":
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	_ = logger.Log("msg", "starting client agent", "client_id", clientID, "server", opts.Server, "port", opts.Port)

	a := agent.New(opts.Server, opts.Port, clientID, opts.ReconnectDelay, agent.NewExecCLI(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-term
		_ = logger.Log("msg", "caught interrupt; shutting down")
		cancel()
	}()

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "usbip-agent: %v\n", err)
		os.Exit(1)
	}
}
