// SPDX-License-Identifier: GPL-2.0-only

// Package usbiptool wraps the usbip(8) CLI tool as the USB/IP Tool Driver
// component: a thin facade over "usbip bind"/"usbip unbind", with a sysfs
// symlink check to make bind idempotent without shelling out when the
// device is already exported.
package usbiptool

import (
	"io/fs"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// SettleDelay is the pause the Assignment Engine inserts between an unbind
// and the following bind during a force-free or force-reattach cycle, so the
// kernel driver has time to tear down the USB/IP host-side state before it
// is reasserted.
const SettleDelay = 200 * time.Millisecond

// usbipHostDriver is the driver name sysfs reports once a device is bound
// for export, used for the idempotency fast path in Bind.
const usbipHostDriver = "usbip-host"

// Driver is the USB/IP Tool Driver contract the Assignment Engine depends
// on. It is implemented by CLIDriver in production and faked in tests.
type Driver interface {
	// Bind exports busID for USB/IP attachment. It reports true if the
	// device ends up bound, whether or not a subprocess was actually run.
	Bind(busID string) (bool, error)
	// Unbind un-exports busID. It does not error if the device was not
	// bound to begin with, matching usbip unbind's own tolerance.
	Unbind(busID string) error
	// IsToolPresent reports whether the usbip binary is on PATH.
	IsToolPresent() bool
	// ProductName returns a human-readable name for busID, read from
	// sysfs, falling back to busID itself if sysfs has nothing useful.
	ProductName(busID string) string
}

// runner executes an external command and returns its stdout, its stderr
// and the error from Run. It exists so tests can avoid touching the
// real usbip binary.
type runner func(name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.Command(name, args...)
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return []byte(outBuf.String()), []byte(errBuf.String()), err
}

// CLIDriver is the production Driver, backed by the usbip(8) subprocess and
// a sysfs tree for idempotency and naming lookups.
type CLIDriver struct {
	fsys   fs.FS
	run    runner
	logger log.Logger
}

// NewCLIDriver builds a CLIDriver that reads sysfs through fsys, which must
// be rooted at the sysfs mount point (normally os.DirFS("/sys")).
func NewCLIDriver(fsys fs.FS, logger log.Logger) *CLIDriver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CLIDriver{fsys: fsys, run: execRunner, logger: logger}
}

func devicePath(busID string) string {
	return path.Join("bus", "usb", "devices", busID)
}

// currentDriver reads the name of the driver currently bound to busID's
// interface 0, or "" if it cannot be determined.
func (d *CLIDriver) currentDriver(busID string) string {
	link := path.Join(devicePath(busID), busID+":1.0", "driver")
	target, err := readlink(d.fsys, link)
	if err != nil {
		return ""
	}
	return path.Base(target)
}

// Bind exports busID. If sysfs already shows usbip-host bound, the
// subprocess call is skipped entirely.
func (d *CLIDriver) Bind(busID string) (bool, error) {
	if d.currentDriver(busID) == usbipHostDriver {
		return true, nil
	}
	_, stderr, err := d.run("usbip", "bind", "-b", busID)
	if err != nil {
		_ = level.Warn(d.logger).Log("msg", "usbip bind failed", "bus_id", busID, "err", err, "stderr", strings.TrimSpace(string(stderr)))
		return false, nil
	}
	return true, nil
}

// Unbind un-exports busID. Failures are logged and swallowed: a device that
// was never bound, or has already vanished, should not abort the caller's
// reconciliation cycle.
func (d *CLIDriver) Unbind(busID string) error {
	_, stderr, err := d.run("usbip", "unbind", "-b", busID)
	if err != nil {
		_ = level.Warn(d.logger).Log("msg", "usbip unbind failed", "bus_id", busID, "err", err, "stderr", strings.TrimSpace(string(stderr)))
	}
	return nil
}

// IsToolPresent reports whether the usbip binary can be located.
func (d *CLIDriver) IsToolPresent() bool {
	_, err := exec.LookPath("usbip")
	return err == nil
}

// ProductName reads the "product" sysfs attribute for busID, falling back
// to the bus ID itself when the attribute is missing or unreadable.
func (d *CLIDriver) ProductName(busID string) string {
	data, err := fs.ReadFile(d.fsys, path.Join(devicePath(busID), "product"))
	if err != nil {
		return busID
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return busID
	}
	return name
}

// readlink resolves a symlink within fsys. Where name is not a symlink (the
// tests populate a regular file at the link path whose content is the
// target), it falls back to reading that file's content as the target.
func readlink(fsys fs.FS, name string) (string, error) {
	if target, err := fs.ReadLink(fsys, name); err == nil {
		return target, nil
	}
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve %s", name)
	}
	return strings.TrimSpace(string(data)), nil
}
