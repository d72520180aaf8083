// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package caremap loads the care map manifest describing which block ranges of
// which partitions have to be read back after an update is applied.
package caremap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/go-updateverify/rangeset"
)

// DefaultDir is the directory the updater drops the care map into.
const DefaultDir = "/data/ota_package"

const (
	binaryName = "care_map.pb"
	textName   = "care_map.txt"
)

// legacyDevicePrefix marks care maps written for direct device access; those
// predate verification through device-mapper and cannot be used with it.
const legacyDevicePrefix = "/dev/block/"

// Classification of care map loading failures.
//
// Callers are expected to match with errors.Is: a missing or legacy care map
// means verification is skipped, while a present but broken one is reported
// as malformed.
var (
	// ErrUnavailable means no care map could be read.
	ErrUnavailable = errors.New("care map unavailable")

	// ErrLegacy means the care map references raw block devices instead of
	// partition names.
	ErrLegacy = errors.New("legacy care map")

	// ErrMalformed means the care map was read but could not be understood.
	ErrMalformed = errors.New("malformed care map")
)

// Manifest maps a partition name to the block ranges requiring verification.
type Manifest map[string]rangeset.RangeSet

// Options configure care map loading.
type Options struct {
	// Dir is the directory searched for care map files.
	Dir string
	// Logger to use for logging.
	Logger *zap.Logger
}

// Option is a care map loading option.
type Option func(*Options)

// WithDir sets the directory searched for care map files.
func WithDir(dir string) Option {
	return func(o *Options) {
		o.Dir = dir
	}
}

// WithLogger sets the logger for care map loading.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func applyOptions(opts ...Option) Options {
	o := Options{
		Dir:    DefaultDir,
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// ParseFile loads and parses a care map.
//
// When path is empty the binary care map in the configured directory is
// preferred, falling back to the plain text one. Files with a ".txt"
// extension are parsed as plain text, anything else as the binary format.
func ParseFile(path string, opts ...Option) (Manifest, error) {
	options := applyOptions(opts...)

	if path == "" {
		path = filepath.Join(options.Dir, binaryName)

		if _, err := os.Stat(path); err != nil {
			options.Logger.Warn("binary care map not found, falling back to plain text",
				zap.String("path", path))

			path = filepath.Join(options.Dir, textName)
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	if len(content) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrUnavailable, path)
	}

	if filepath.Ext(path) == ".txt" {
		return parseText(string(content))
	}

	return parseBinary(content, options.Logger)
}

// parseText parses the plain text care map format: pairs of lines, a
// partition name followed by its range encoding, for up to three partitions.
func parseText(content string) (Manifest, error) {
	lines := strings.Split(strings.TrimSpace(content), "\n")

	if len(lines) != 2 && len(lines) != 4 && len(lines) != 6 {
		return nil, fmt.Errorf("%w: expected 2, 4 or 6 lines, got %d", ErrMalformed, len(lines))
	}

	manifest := make(Manifest, len(lines)/2)

	for i := 0; i < len(lines); i += 2 {
		name := lines[i]

		if strings.HasPrefix(name, legacyDevicePrefix) {
			return nil, fmt.Errorf("%w: found device path %q", ErrLegacy, name)
		}

		if name == "" {
			return nil, fmt.Errorf("%w: empty partition name", ErrMalformed)
		}

		ranges, err := rangeset.Parse(lines[i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad ranges for partition %q: %s", ErrMalformed, name, err)
		}

		if ranges.IsEmpty() {
			return nil, fmt.Errorf("%w: no ranges for partition %q", ErrMalformed, name)
		}

		manifest[name] = ranges
	}

	return manifest, nil
}
