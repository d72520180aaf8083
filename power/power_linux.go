// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package power

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SystemRebooter restarts the machine through the kernel.
type SystemRebooter struct{}

// Reboot implements Rebooter.
//
// Once the restart is requested the call blocks: the process must not run
// past a requested reboot, and the kernel tears it down shortly anyway.
func (SystemRebooter) Reboot() error {
	unix.Sync()

	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("failed to request reboot: %w", err)
	}

	select {}
}
