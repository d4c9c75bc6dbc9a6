// SPDX-License-Identifier: GPL-2.0-only

// Package portwatcher implements the USB Port Watcher component: it
// enumerates the configured sysfs root at startup, then watches it for
// devices appearing and disappearing, filtering to the configured root-hub
// port prefixes and ignoring per-interface entries.
package portwatcher

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/oss-usbip/usbip-assignd/internal/busid"
)

// Action is the kind of change observed for a bus ID.
type Action string

const (
	ActionAdded   Action = "added"
	ActionRemoved Action = "removed"
)

// Event is a single (bus ID, action) observation, the unit the watcher
// forwards to the Assignment Engine.
type Event struct {
	BusID  string
	Action Action
}

// Watcher enumerates and watches a sysfs root for devices whose bus IDs
// match one of the configured prefixes.
type Watcher struct {
	root     string
	fsys     fs.FS
	prefixes []string
	logger   log.Logger
}

// New builds a Watcher rooted at root (normally "/sys/bus/usb/devices"),
// reading through fsys for enumeration (os.DirFS(root) in production, an
// fstest.MapFS in tests).
func New(root string, fsys fs.FS, prefixes []string, logger log.Logger) *Watcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Watcher{root: root, fsys: fsys, prefixes: prefixes, logger: logger}
}

// Scan enumerates the watcher's root and returns an ActionAdded event for
// every matching bus ID currently present. It tolerates a missing root,
// returning no events rather than an error, since a host without the usbip
// kernel modules loaded yet should not prevent the daemon from starting.
func (w *Watcher) Scan() []Event {
	entries, err := fs.ReadDir(w.fsys, ".")
	if err != nil {
		_ = level.Warn(w.logger).Log("msg", "sysfs root unreadable; starting with no exported devices", "root", w.root, "err", err)
		return nil
	}

	var events []Event
	for _, entry := range entries {
		name := entry.Name()
		if !w.matches(name) {
			continue
		}
		events = append(events, Event{BusID: name, Action: ActionAdded})
	}
	return events
}

func (w *Watcher) matches(name string) bool {
	if busid.IsInterface(name) {
		return false
	}
	if !busid.Valid(name) {
		return false
	}
	return busid.HasWatchedPrefix(name, w.prefixes)
}

// Run watches w.root for filesystem events and forwards matching (bus ID,
// action) pairs to sink until ctx is cancelled. If the root cannot be
// watched (it may not exist yet on hosts without the kernel module loaded),
// Run logs a warning and blocks on ctx alone, rather than erroring out and
// tearing down the rest of the daemon's actor group.
func (w *Watcher) Run(ctx context.Context, sink chan<- Event) error {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		_ = level.Warn(w.logger).Log("msg", "failed to create filesystem watcher; hotplug events will not be observed", "err", err)
		<-ctx.Done()
		return nil
	}
	defer func() { _ = notify.Close() }()

	if err := notify.Add(w.root); err != nil {
		_ = level.Warn(w.logger).Log("msg", "sysfs root cannot be watched; hotplug events will not be observed", "root", w.root, "err", err)
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-notify.Events:
			if !ok {
				return nil
			}
			w.handle(ev, sink)
		case err, ok := <-notify.Errors:
			if !ok {
				return nil
			}
			_ = level.Warn(w.logger).Log("msg", "filesystem watch error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event, sink chan<- Event) {
	name := filepath.Base(ev.Name)
	if !w.matches(name) {
		return
	}

	var action Action
	switch {
	case ev.Op&(fsnotify.Create) != 0:
		action = ActionAdded
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		action = ActionRemoved
	default:
		return
	}
	sink <- Event{BusID: name, Action: action}
}
