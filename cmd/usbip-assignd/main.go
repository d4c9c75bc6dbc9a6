// SPDX-License-Identifier: GPL-2.0-only

// Command usbip-assignd runs the host-side Device Assignment Daemon: it
// watches sysfs for USB devices, exports them for USB/IP attachment, and
// arbitrates which client agent each one is bound to.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oss-usbip/usbip-assignd/internal/bus"
	"github.com/oss-usbip/usbip-assignd/internal/config"
	"github.com/oss-usbip/usbip-assignd/internal/controlapi"
	"github.com/oss-usbip/usbip-assignd/internal/engine"
	"github.com/oss-usbip/usbip-assignd/internal/metrics"
	"github.com/oss-usbip/usbip-assignd/internal/portwatcher"
	"github.com/oss-usbip/usbip-assignd/internal/registry"
	"github.com/oss-usbip/usbip-assignd/internal/sessions"
	"github.com/oss-usbip/usbip-assignd/internal/store"
	"github.com/oss-usbip/usbip-assignd/internal/usbiptool"
)

// Main is the principal function for the binary, wrapped only by main for
// convenience.
func Main() error {
	cfg, err := config.LoadDaemon(os.Args[1:])
	if err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch cfg.LogLevel {
	case config.LogLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case config.LogLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case config.LogLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case config.LogLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case config.LogLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case config.LogLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	for _, kc := range cfg.KnownClients {
		_ = logger.Log("msg", "configured known client", "client_id", kc.ID, "display_name", kc.DisplayName)
	}
	if u, err := user.Current(); err == nil && u.Uid != "0" {
		_ = level.Warn(logger).Log("msg", "not running as root; usbip bind/unbind will likely fail", "uid", u.Uid)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg)

	st, err := store.Open(cfg.AssignmentsFile, log.With(logger, "component", "store"))
	if err != nil {
		return errors.Wrap(err, "failed to open assignment store")
	}
	assignRegistry := registry.New()
	eventBus := bus.New()
	// The driver looks devices up under bus/usb/devices, so it reads sysfs
	// from the mount point three levels above the port watcher's root.
	driver := usbiptool.NewCLIDriver(os.DirFS(filepath.Join(cfg.SysfsRoot, "..", "..", "..")), log.With(logger, "component", "usbiptool"))

	// The Engine is the sessions.Notifier, and sessions.Manager is the
	// Engine's Sessions dependency, so construction happens in two steps:
	// build the Engine with sessions left nil, build the Manager against
	// it, then wire the Manager back in.
	eng := engine.New(assignRegistry, st, nil, driver, eventBus, met, log.With(logger, "component", "engine"))
	sessionMgr := sessions.New(eng, log.With(logger, "component", "sessions"))
	eng.SetSessions(sessionMgr)

	var g run.Group
	{
		engineCtx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return eng.Run(engineCtx)
		}, func(error) {
			cancel()
		})
	}

	// The remaining actors (port watcher, control API, client socket) are
	// wired with their own cancellation plus a "stopped" channel closed once
	// their execute function has fully returned, so the shutdown actor below
	// can stop them in the order the Cancellation clause requires: port
	// watcher, then control API listener, then TCP session listener, then
	// unbind every exported device. oklog/run.Group's own interrupt dispatch
	// runs concurrently across actors, which can't express that ordering by
	// itself, so the shutdown actor drives the sequence explicitly and only
	// returns once it's complete.

	watcherCtx, watcherCancel := context.WithCancel(context.Background())
	watcherStopped := make(chan struct{})
	{
		// Port watcher: enumerate sysfs, then watch for hotplug changes.
		watcher := portwatcher.New(cfg.SysfsRoot, os.DirFS(cfg.SysfsRoot), cfg.PortPrefixes, log.With(logger, "component", "portwatcher"))
		for _, ev := range watcher.Scan() {
			eng.PostDeviceAdded(ev.BusID)
		}

		events := make(chan portwatcher.Event, 16)
		var forwarders sync.WaitGroup
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			for ev := range events {
				switch ev.Action {
				case portwatcher.ActionAdded:
					eng.PostDeviceAdded(ev.BusID)
				case portwatcher.ActionRemoved:
					eng.PostDeviceRemoved(ev.BusID)
				}
			}
		}()

		g.Add(func() error {
			defer close(watcherStopped)
			err := watcher.Run(watcherCtx, events)
			close(events)
			forwarders.Wait()
			return err
		}, func(error) {
			watcherCancel()
		})
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	apiListener, err := net.Listen("tcp", apiAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on control API %s", apiAddr)
	}
	apiStopped := make(chan struct{})
	{
		// Operator control API + health/metrics mux.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/", controlapi.NewRouter(eng, log.With(logger, "component", "controlapi")))

		g.Add(func() error {
			defer close(apiStopped)
			_ = level.Info(logger).Log("msg", "serving control API", "addr", apiAddr)
			if err := http.Serve(apiListener, mux); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "control API server exited unexpectedly")
			}
			return nil
		}, func(error) {
			_ = apiListener.Close()
		})
	}

	socketAddr := fmt.Sprintf("%s:%d", cfg.SocketHost, cfg.SocketPort)
	socketListener, err := net.Listen("tcp", socketAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on control socket %s", socketAddr)
	}
	socketCtx, socketCancel := context.WithCancel(context.Background())
	socketStopped := make(chan struct{})
	{
		// Client control socket.
		g.Add(func() error {
			defer close(socketStopped)
			_ = level.Info(logger).Log("msg", "listening for client agents", "addr", socketAddr)
			return sessionMgr.Serve(socketCtx, socketListener)
		}, func(error) {
			socketCancel()
			_ = socketListener.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM, running the shutdown
		// sequence the Cancellation clause specifies before returning.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancelCh := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				_ = logger.Log("msg", "caught interrupt; shutting down")
			case <-cancelCh:
				return nil
			}

			watcherCancel()
			<-watcherStopped
			_ = apiListener.Close()
			<-apiStopped
			socketCancel()
			_ = socketListener.Close()
			<-socketStopped

			for _, busID := range assignRegistry.ExportedBusIDs() {
				if err := driver.Unbind(busID); err != nil {
					_ = level.Warn(logger).Log("msg", "unbind during shutdown failed", "bus_id", busID, "err", err)
				}
			}
			_ = logger.Log("msg", "shutdown sequence complete")
			return nil
		}, func(error) {
			close(cancelCh)
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "usbip-assignd: %v\n", err)
		os.Exit(1)
	}
}
