// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package firstboot_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/go-updateverify/bootctl"
	"github.com/siderolabs/go-updateverify/firstboot"
	"github.com/siderolabs/go-updateverify/verify"
)

type fakeBootControl struct {
	slot      bootctl.Slot
	slotErr   error
	marked    bool
	markedErr error
	markErr   error

	markCalls int
}

func (f *fakeBootControl) CurrentSlot(context.Context) (bootctl.Slot, error) {
	return f.slot, f.slotErr
}

func (f *fakeBootControl) IsSlotMarkedSuccessful(context.Context, bootctl.Slot) (bool, error) {
	return f.marked, f.markedErr
}

func (f *fakeBootControl) MarkBootSuccessful(context.Context) error {
	f.markCalls++

	return f.markErr
}

type fakeRebooter struct {
	err   error
	calls int
}

func (f *fakeRebooter) Reboot() error {
	f.calls++

	return f.err
}

type env struct {
	t *testing.T

	careMapDir string
	sysDir     string
	devDir     string
	cmdline    string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	dir := t.TempDir()

	e := &env{
		t:          t,
		careMapDir: filepath.Join(dir, "ota_package"),
		sysDir:     filepath.Join(dir, "sys"),
		devDir:     filepath.Join(dir, "dev"),
		cmdline:    filepath.Join(dir, "cmdline"),
	}

	require.NoError(t, os.MkdirAll(e.careMapDir, 0o755))
	require.NoError(t, os.MkdirAll(e.sysDir, 0o755))
	require.NoError(t, os.MkdirAll(e.devDir, 0o755))

	e.setCmdline("veritymode=enforcing")

	return e
}

func (e *env) setCmdline(params string) {
	e.t.Helper()

	require.NoError(e.t, os.WriteFile(e.cmdline, []byte("console=ttyS0 "+params+"\n"), 0o644))
}

// addDevice registers a device-mapper entry in the fake sysfs and backs it
// with a device node of the given size.
func (e *env) addDevice(entry, name string, blocks int) {
	e.t.Helper()

	dir := filepath.Join(e.sysDir, entry, "dm")

	require.NoError(e.t, os.MkdirAll(dir, 0o755))
	require.NoError(e.t, os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644))
	require.NoError(e.t, os.WriteFile(filepath.Join(e.devDir, entry), make([]byte, blocks*verify.BlockSize), 0o644))
}

func (e *env) writeCareMap(name, content string) {
	e.t.Helper()

	require.NoError(e.t, os.WriteFile(filepath.Join(e.careMapDir, name), []byte(content), 0o644))
}

func (e *env) options() []firstboot.Option {
	return []firstboot.Option{
		firstboot.WithCareMapDir(e.careMapDir),
		firstboot.WithSysBlockDir(e.sysDir),
		firstboot.WithDevDir(e.devDir),
		firstboot.WithCmdlinePath(e.cmdline),
		firstboot.WithConcurrency(2),
		firstboot.WithLogger(zaptest.NewLogger(e.t)),
	}
}

func goodSetup(e *env) {
	e.addDevice("dm-0", "vroot", 30)
	e.writeCareMap("care_map.txt", "system\n4,0,10,20,30")
}

// badSetup produces a device too small for its care map ranges, so running
// verification on it must fail.
func badSetup(e *env) {
	e.addDevice("dm-0", "system", 20)
	e.writeCareMap("care_map.txt", "system\n2,10,25")
}

func TestRun(t *testing.T) {
	t.Parallel()

	for _, test := range []struct { //nolint:govet
		name string

		cmdline string
		setup   func(e *env)

		slot      bootctl.Slot
		slotErr   error
		marked    bool
		markedErr error
		markErr   error
		rebootErr error

		expectedMarkCalls int
		expectedReboots   int
		expectedErr       bool
	}{
		{
			name:   "already marked successful",
			marked: true,
		},
		{
			name:  "verifies and marks",
			setup: goodSetup,
			slot:  1,

			expectedMarkCalls: 1,
		},
		{
			name:  "verification failure reboots",
			setup: badSetup,

			expectedReboots: 1,
		},
		{
			name: "missing device mapping reboots",
			setup: func(e *env) {
				e.addDevice("dm-0", "vendor", 30)
				e.writeCareMap("care_map.txt", "system\n2,0,10")
			},

			expectedReboots: 1,
		},
		{
			name: "no devices reboots",
			setup: func(e *env) {
				e.writeCareMap("care_map.txt", "system\n2,0,10")
			},

			expectedReboots: 1,
		},
		{
			name: "missing care map skips verification",

			expectedMarkCalls: 1,
		},
		{
			name: "legacy care map skips verification",
			setup: func(e *env) {
				e.writeCareMap("care_map.txt", "/dev/block/bootdevice/by-name/system\n2,0,10")
			},

			expectedMarkCalls: 1,
		},
		{
			name: "malformed care map skips verification",
			setup: func(e *env) {
				e.writeCareMap("care_map.txt", "system\n2,1,0")
			},

			expectedMarkCalls: 1,
		},
		{
			name:    "verity disabled skips verification",
			cmdline: "veritymode=disabled",
			setup:   badSetup,

			expectedMarkCalls: 1,
		},
		{
			name:    "verity not enabled skips verification",
			cmdline: "quiet",
			setup:   badSetup,

			expectedMarkCalls: 1,
		},
		{
			name: "unreadable kernel command line skips verification",
			setup: func(e *env) {
				badSetup(e)

				require.NoError(e.t, os.Remove(e.cmdline))
			},

			expectedMarkCalls: 1,
		},
		{
			name:    "eio mode verifies",
			cmdline: "veritymode=EIO",
			setup:   badSetup,

			expectedReboots: 1,
		},
		{
			name:    "enforcing mode is case insensitive",
			cmdline: "veritymode=Enforcing",
			setup:   goodSetup,

			expectedMarkCalls: 1,
		},
		{
			name:    "androidboot parameter spelling",
			cmdline: "androidboot.veritymode=enforcing",
			setup:   goodSetup,

			expectedMarkCalls: 1,
		},
		{
			name:    "unexpected verity mode reboots",
			cmdline: "veritymode=logging",

			expectedReboots: 1,
		},
		{
			name:    "slot query failure reboots",
			slotErr: errors.New("hal is down"),

			expectedReboots: 1,
		},
		{
			name:      "slot state query failure reboots",
			markedErr: errors.New("hal is down"),

			expectedReboots: 1,
		},
		{
			name:    "mark failure reboots",
			cmdline: "veritymode=disabled",
			markErr: errors.New("persist failed"),

			expectedMarkCalls: 1,
			expectedReboots:   1,
		},
		{
			name:      "reboot request failure returns error",
			slotErr:   errors.New("hal is down"),
			rebootErr: errors.New("no permission"),

			expectedReboots: 1,
			expectedErr:     true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t)

			if test.cmdline != "" {
				e.setCmdline(test.cmdline)
			}

			if test.setup != nil {
				test.setup(e)
			}

			boot := &fakeBootControl{
				slot:      test.slot,
				slotErr:   test.slotErr,
				marked:    test.marked,
				markedErr: test.markedErr,
				markErr:   test.markErr,
			}

			rebooter := &fakeRebooter{err: test.rebootErr}

			err := firstboot.Run(context.Background(), boot, rebooter, e.options()...)

			if test.expectedErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			assert.Equal(t, test.expectedMarkCalls, boot.markCalls)
			assert.Equal(t, test.expectedReboots, rebooter.calls)
		})
	}
}

func TestRunExplicitCareMapPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.addDevice("dm-0", "system", 30)

	// The default care map would fail verification; the explicit one must
	// win over it.
	e.writeCareMap("care_map.txt", "system\n2,10,40")

	path := filepath.Join(t.TempDir(), "custom_map.txt")
	require.NoError(t, os.WriteFile(path, []byte("system\n2,0,30"), 0o644))

	boot := &fakeBootControl{}
	rebooter := &fakeRebooter{}

	err := firstboot.Run(context.Background(), boot, rebooter,
		append(e.options(), firstboot.WithCareMapPath(path))...)
	require.NoError(t, err)

	assert.Equal(t, 1, boot.markCalls)
	assert.Zero(t, rebooter.calls)
}
