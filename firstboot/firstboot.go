// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package firstboot decides whether the first boot after an update needs
// block level verification and drives it to a verdict.
package firstboot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/siderolabs/go-procfs/procfs"
	"go.uber.org/zap"

	"github.com/siderolabs/go-updateverify/bootctl"
	"github.com/siderolabs/go-updateverify/caremap"
	"github.com/siderolabs/go-updateverify/devmapper"
	"github.com/siderolabs/go-updateverify/power"
	"github.com/siderolabs/go-updateverify/verify"
)

// Kernel command line parameters carrying the dm-verity enforcement mode,
// in lookup order.
const (
	VerityModeParam        = "veritymode"
	AndroidVerityModeParam = "androidboot.veritymode"
)

// DefaultCmdlinePath is where the kernel command line is read from.
const DefaultCmdlinePath = "/proc/cmdline"

// Options configure a verification run.
type Options struct {
	// CareMapPath is an explicit care map path; empty means default
	// resolution inside CareMapDir.
	CareMapPath string
	// CareMapDir is the directory searched for care maps.
	CareMapDir string
	// SysBlockDir is the sysfs directory listing block devices.
	SysBlockDir string
	// DevDir is the directory holding the device nodes.
	DevDir string
	// CmdlinePath is the file the kernel command line is read from.
	CmdlinePath string
	// Concurrency is the number of parallel readers per partition; zero
	// picks the verifier default.
	Concurrency int
	// Logger to use for logging.
	Logger *zap.Logger
}

// Option is a verification run option.
type Option func(*Options)

// WithCareMapPath sets an explicit care map path.
func WithCareMapPath(path string) Option {
	return func(o *Options) {
		o.CareMapPath = path
	}
}

// WithCareMapDir sets the directory searched for care maps.
func WithCareMapDir(dir string) Option {
	return func(o *Options) {
		o.CareMapDir = dir
	}
}

// WithSysBlockDir sets the sysfs directory listing block devices.
func WithSysBlockDir(dir string) Option {
	return func(o *Options) {
		o.SysBlockDir = dir
	}
}

// WithDevDir sets the directory holding the device nodes.
func WithDevDir(dir string) Option {
	return func(o *Options) {
		o.DevDir = dir
	}
}

// WithCmdlinePath sets the file the kernel command line is read from.
func WithCmdlinePath(path string) Option {
	return func(o *Options) {
		o.CmdlinePath = path
	}
}

// WithConcurrency sets the number of parallel readers per partition.
func WithConcurrency(concurrency int) Option {
	return func(o *Options) {
		o.Concurrency = concurrency
	}
}

// WithLogger sets the logger for the run.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func applyOptions(opts ...Option) Options {
	o := Options{
		CareMapDir:  caremap.DefaultDir,
		SysBlockDir: devmapper.DefaultSysBlockDir,
		DevDir:      devmapper.DefaultDevDir,
		CmdlinePath: DefaultCmdlinePath,
		Logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// Run executes the first boot verification flow: if the current slot is not
// yet marked successful, the updated blocks are read back through their
// device-mapper devices and the slot is marked successful only when every
// read succeeds.
//
// Failure paths do not return an error, they request a reboot: falling back
// to the other slot is the whole point of holding off the success mark. The
// rebooter blocks once the request is accepted, so Run returns an error only
// when the reboot request itself failed.
func Run(ctx context.Context, bootControl bootctl.Client, rebooter power.Rebooter, opts ...Option) error {
	options := applyOptions(opts...)
	logger := options.Logger

	slot, err := bootControl.CurrentSlot(ctx)
	if err != nil {
		return abort(rebooter, logger, "failed to query current slot", zap.Error(err))
	}

	logger = logger.With(zap.Uint32("slot", uint32(slot)))

	marked, err := bootControl.IsSlotMarkedSuccessful(ctx, slot)
	if err != nil {
		return abort(rebooter, logger, "failed to query slot state", zap.Error(err))
	}

	if marked {
		logger.Info("slot is already marked successful, nothing to verify")

		return nil
	}

	mode, err := verityMode(options.CmdlinePath)
	if err != nil {
		logger.Warn("failed to read kernel command line", zap.Error(err))
	}

	switch {
	case mode == "":
		logger.Warn("dm-verity is not enabled, skipping verification")
	case strings.EqualFold(mode, "disabled"):
		logger.Warn("dm-verity is disabled, skipping verification")
	case strings.EqualFold(mode, "enforcing"), strings.EqualFold(mode, "eio"):
		// In eio mode dm-verity surfaces corruption as read errors instead
		// of restarting the system on its own, so both modes verify here.
		logger.Info("verifying updated blocks", zap.String("verity_mode", mode))

		if !runVerification(options, logger) {
			return abort(rebooter, logger, "update verification failed")
		}
	default:
		return abort(rebooter, logger, "unexpected dm-verity mode", zap.String("verity_mode", mode))
	}

	if err := bootControl.MarkBootSuccessful(ctx); err != nil {
		return abort(rebooter, logger, "failed to mark boot successful", zap.Error(err))
	}

	logger.Info("marked boot successful")

	return nil
}

// runVerification loads the care map and reads back every listed block.
//
// A missing, legacy or broken care map skips verification: devices upgraded
// from builds without care maps must still be able to finish their first
// boot. Everything past that point fails closed.
func runVerification(options Options, logger *zap.Logger) bool {
	manifest, err := caremap.ParseFile(options.CareMapPath,
		caremap.WithDir(options.CareMapDir),
		caremap.WithLogger(logger),
	)

	switch {
	case errors.Is(err, caremap.ErrUnavailable), errors.Is(err, caremap.ErrLegacy):
		logger.Warn("skipping verification", zap.Error(err))

		return true
	case err != nil:
		logger.Error("skipping verification", zap.Error(err))

		return true
	}

	devices, err := devmapper.Discover(
		devmapper.WithSysBlockDir(options.SysBlockDir),
		devmapper.WithDevDir(options.DevDir),
		devmapper.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to discover device-mapper devices", zap.Error(err))

		return false
	}

	if len(devices) == 0 {
		logger.Error("no device-mapper block device found")

		return false
	}

	devicePaths := make(map[string]string, len(devices))

	for name, device := range devices {
		fields := []zap.Field{zap.String("name", name), zap.String("path", device.Path)}

		if device.UUID != nil {
			fields = append(fields, zap.Stringer("uuid", device.UUID))
		}

		logger.Debug("device-mapper device", fields...)

		devicePaths[name] = device.Path
	}

	verifyOptions := []verify.Option{verify.WithLogger(logger)}

	if options.Concurrency > 0 {
		verifyOptions = append(verifyOptions, verify.WithConcurrency(options.Concurrency))
	}

	return verify.New(verifyOptions...).VerifyAll(manifest, devicePaths)
}

// verityMode reads the dm-verity enforcement mode from the kernel command
// line, trying the plain and the bootloader-prefixed parameter spellings.
func verityMode(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	cmdline := procfs.NewCmdline(strings.TrimSpace(string(data)))

	for _, param := range []string{VerityModeParam, AndroidVerityModeParam} {
		if value := cmdline.Get(param).First(); value != nil {
			return *value, nil
		}
	}

	return "", nil
}

// abort requests a system reboot after logging why. The rebooter blocks once
// the request is accepted, so abort returns only when the request failed.
func abort(rebooter power.Rebooter, logger *zap.Logger, reason string, fields ...zap.Field) error {
	logger.Error("aborting boot: "+reason, fields...)

	if err := rebooter.Reboot(); err != nil {
		return fmt.Errorf("%s, and the reboot request failed: %w", reason, err)
	}

	return nil
}
