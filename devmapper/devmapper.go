// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package devmapper enumerates device-mapper block devices via sysfs.
package devmapper

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/siderolabs/go-pointer"
	"go.uber.org/zap"
)

// Default sysfs and devfs locations.
const (
	DefaultSysBlockDir = "/sys/block"
	DefaultDevDir      = "/dev/block"
)

// Device is a single device-mapper block device.
type Device struct {
	// Name is the logical device name from the dm "name" attribute.
	Name string
	// Path is the device node reads go through to exercise the
	// device-mapper verification target.
	Path string
	// UUID is the RFC 4122 part of the dm UUID, when one is set and parses.
	UUID *uuid.UUID
}

// Options configure device discovery.
type Options struct {
	// SysBlockDir is the sysfs directory listing block devices.
	SysBlockDir string
	// DevDir is the directory holding the device nodes.
	DevDir string
	// Logger to use for logging.
	Logger *zap.Logger
}

// Option is a device discovery option.
type Option func(*Options)

// WithSysBlockDir overrides the sysfs directory listing block devices.
func WithSysBlockDir(dir string) Option {
	return func(o *Options) {
		o.SysBlockDir = dir
	}
}

// WithDevDir overrides the directory holding the device nodes.
func WithDevDir(dir string) Option {
	return func(o *Options) {
		o.DevDir = dir
	}
}

// WithLogger sets the logger for device discovery.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// Discover scans sysfs for device-mapper devices and maps each logical name
// to its device.
//
// Devices whose name attribute cannot be read are skipped. An empty result
// is not an error here: whether it is fatal is up to the caller.
func Discover(opts ...Option) (map[string]Device, error) {
	options := Options{
		SysBlockDir: DefaultSysBlockDir,
		DevDir:      DefaultDevDir,
		Logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	entries, err := os.ReadDir(options.SysBlockDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s directory: %w", options.SysBlockDir, err)
	}

	devices := map[string]Device{}

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "dm-") {
			continue
		}

		namePath := filepath.Join(options.SysBlockDir, entry.Name(), "dm", "name")

		contents, err := os.ReadFile(namePath)
		if err != nil {
			options.Logger.Warn("failed to read device-mapper device name",
				zap.String("path", namePath),
				zap.Error(err),
			)

			continue
		}

		name := strings.TrimSpace(string(contents))

		// The verified root device announces itself as "vroot", while care
		// maps keep calling it "system".
		if name == "vroot" {
			name = "system"
		}

		devices[name] = Device{
			Name: name,
			Path: filepath.Join(options.DevDir, entry.Name()),
			UUID: readUUID(filepath.Join(options.SysBlockDir, entry.Name(), "dm", "uuid")),
		}
	}

	return devices, nil
}

// readUUID extracts the RFC 4122 part of a dm UUID such as
// "CRYPT-VERITY-6e30...-vroot", best effort.
func readUUID(path string) *uuid.UUID {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	for _, part := range strings.Split(strings.TrimSpace(string(contents)), "-") {
		if id, err := uuid.Parse(part); err == nil {
			return pointer.To(id)
		}
	}

	return nil
}
