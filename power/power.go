// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package power requests system power state transitions.
package power

// Rebooter requests a system restart.
type Rebooter interface {
	// Reboot asks the platform to restart the machine.
	//
	// An accepted request never hands control back: the platform
	// implementation blocks until the system goes down. An error is
	// returned only when the request could not be made.
	Reboot() error
}
