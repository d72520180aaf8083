// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bootctl talks to the boot control facility tracking A/B slot state.
package bootctl

import "context"

// Slot identifies one of the redundant partition sets used for A/B updates.
type Slot uint32

// Client is the boot slot bookkeeping capability.
type Client interface {
	// CurrentSlot returns the slot the system booted from.
	CurrentSlot(ctx context.Context) (Slot, error)

	// IsSlotMarkedSuccessful reports whether the slot already completed a
	// successful boot in the past.
	IsSlotMarkedSuccessful(ctx context.Context, slot Slot) (bool, error)

	// MarkBootSuccessful records the current boot as successful, ending the
	// slot's trial period.
	MarkBootSuccessful(ctx context.Context) error
}
