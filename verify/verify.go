// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verify reads partition block ranges back through their
// device-mapper devices, so that dm-verity (or any other verification
// target) sees every updated block at least once.
package verify

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"sync"

	"github.com/siderolabs/gen/maps"
	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"

	"github.com/siderolabs/go-updateverify/caremap"
	"github.com/siderolabs/go-updateverify/rangeset"
)

// BlockSize is the unit of care map block ranges, in bytes.
const BlockSize = 4096

const (
	// readChunkBlocks caps a single read, bounding per-reader memory.
	readChunkBlocks = 1024

	// fallbackConcurrency is used when the configured concurrency is not positive.
	fallbackConcurrency = 4
)

// Outcome is the verification result for a single partition.
type Outcome int

// Possible verification outcomes.
const (
	// OutcomeVerified means every block of the partition's ranges was read back.
	OutcomeVerified Outcome = iota
	// OutcomeDeviceNotFound means no device-mapper device matches the partition.
	OutcomeDeviceNotFound
	// OutcomeReadFailure means some block range could not be read in full.
	OutcomeReadFailure
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeVerified:
		return "verified"
	case OutcomeDeviceNotFound:
		return "device not found"
	case OutcomeReadFailure:
		return "read failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Verifier reads back care map ranges.
type Verifier struct {
	logger      *zap.Logger
	concurrency int
}

// Options configure the verifier.
type Options struct {
	// Concurrency is the number of parallel readers per partition.
	Concurrency int
	// Logger to use for logging.
	Logger *zap.Logger
}

// Option is a verifier option.
type Option func(*Options)

// WithConcurrency sets the number of parallel readers per partition.
func WithConcurrency(concurrency int) Option {
	return func(o *Options) {
		o.Concurrency = concurrency
	}
}

// WithLogger sets the logger for the verifier.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// New creates a Verifier.
//
// Concurrency defaults to the number of CPUs.
func New(opts ...Option) *Verifier {
	options := Options{
		Concurrency: runtime.NumCPU(),
		Logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Concurrency < 1 {
		options.Concurrency = fallbackConcurrency
	}

	return &Verifier{
		logger:      options.Logger,
		concurrency: options.Concurrency,
	}
}

// VerifyAll verifies every partition of the manifest against the discovered
// device paths (partition name to device node).
//
// Every partition is checked even after a failure, so that the boot log
// carries the outcome for each one; the result is the conjunction.
func (v *Verifier) VerifyAll(manifest caremap.Manifest, devicePaths map[string]string) bool {
	names := maps.Keys(manifest)
	slices.Sort(names)

	ok := true

	for _, name := range names {
		outcome := OutcomeDeviceNotFound

		if devicePath, found := devicePaths[name]; found {
			outcome = v.VerifyPartition(name, manifest[name], devicePath)
		}

		v.logger.Info("partition verification finished",
			zap.String("partition", name),
			zap.Stringer("outcome", outcome),
		)

		if outcome != OutcomeVerified {
			ok = false
		}
	}

	return ok
}

// VerifyPartition reads every block of ranges from the device at devicePath.
//
// The ranges are split across the configured number of readers; each reader
// opens the device on its own and reads its share in bounded chunks. A failed
// or short read is not retried, it is exactly the signal this verifier exists
// to surface.
func (v *Verifier) VerifyPartition(name string, ranges rangeset.RangeSet, devicePath string) Outcome {
	groups := ranges.Split(v.concurrency)

	v.logger.Debug("verifying partition",
		zap.String("partition", name),
		zap.String("device", devicePath),
		zap.Uint64("blocks", ranges.BlockCount()),
		zap.Uint64s("reader_blocks", xslices.Map(groups, rangeset.RangeSet.BlockCount)),
	)

	results := make([]error, len(groups))

	var wg sync.WaitGroup

	for i, group := range groups {
		i, group := i, group

		wg.Add(1)

		go func() {
			defer wg.Done()

			results[i] = readRanges(devicePath, group)
		}()
	}

	wg.Wait()

	outcome := OutcomeVerified

	for _, err := range results {
		if err != nil {
			v.logger.Error("verification read failure",
				zap.String("partition", name),
				zap.Error(err),
			)

			outcome = OutcomeReadFailure
		}
	}

	if outcome == OutcomeVerified {
		v.logger.Info("finished reading blocks",
			zap.String("partition", name),
			zap.String("device", devicePath),
			zap.Uint64("blocks", ranges.BlockCount()),
			zap.Int("readers", len(groups)),
		)
	}

	return outcome
}

// readRanges reads the given ranges from the device in chunks of at most
// readChunkBlocks blocks.
func readRanges(devicePath string, ranges rangeset.RangeSet) error {
	f, err := os.Open(devicePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", devicePath, err)
	}

	defer f.Close() //nolint:errcheck

	adviseSequential(f)

	buf := make([]byte, readChunkBlocks*BlockSize)

	for _, r := range ranges.Ranges() {
		offset := int64(r.Start) * BlockSize

		for remain := int64(r.Blocks()) * BlockSize; remain > 0; {
			chunk := min(remain, int64(len(buf)))

			if _, err := f.ReadAt(buf[:chunk], offset); err != nil {
				return fmt.Errorf("failed to read blocks [%d, %d) of %s: %w", r.Start, r.End, devicePath, err)
			}

			offset += chunk
			remain -= chunk
		}
	}

	return nil
}
