// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bootctl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/siderolabs/go-cmd/pkg/cmd"
)

// DefaultBinary is the boot control helper looked up in PATH.
const DefaultBinary = "bootctl"

// CLI drives an external boot control helper binary.
//
// The helper follows the bootctl conventions: "get-current-slot" prints the
// slot number, "is-slot-marked-successful <slot>" reports through its exit
// code and "mark-boot-successful" persists the success bit.
type CLI struct {
	binary string
}

// NewCLI returns a Client executing the helper at binary, falling back to
// DefaultBinary when empty.
func NewCLI(binary string) *CLI {
	if binary == "" {
		binary = DefaultBinary
	}

	return &CLI{binary: binary}
}

// CurrentSlot implements Client.
func (c *CLI) CurrentSlot(ctx context.Context) (Slot, error) {
	stdout, err := cmd.RunContext(ctx, c.binary, "get-current-slot")
	if err != nil {
		return 0, fmt.Errorf("failed to call %s: %w", c.binary, err)
	}

	slot, err := strconv.ParseUint(strings.TrimSpace(stdout), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unexpected get-current-slot output %q: %w", strings.TrimSpace(stdout), err)
	}

	return Slot(slot), nil
}

// IsSlotMarkedSuccessful implements Client.
//
// The helper exits with 0 when the slot is marked successful and with 1 when
// it is not; anything else is a failure to query the state.
func (c *CLI) IsSlotMarkedSuccessful(ctx context.Context, slot Slot) (bool, error) {
	_, err := cmd.RunContext(ctx, c.binary, "is-slot-marked-successful", strconv.FormatUint(uint64(slot), 10))
	if err != nil {
		var exitError *cmd.ExitError

		if errors.As(err, &exitError) && exitError.ExitCode == 1 {
			return false, nil
		}

		return false, fmt.Errorf("failed to call %s: %w", c.binary, err)
	}

	return true, nil
}

// MarkBootSuccessful implements Client.
func (c *CLI) MarkBootSuccessful(ctx context.Context) error {
	if _, err := cmd.RunContext(ctx, c.binary, "mark-boot-successful"); err != nil {
		return fmt.Errorf("failed to call %s: %w", c.binary, err)
	}

	return nil
}
