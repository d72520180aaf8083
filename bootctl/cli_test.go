// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bootctl_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-updateverify/bootctl"
)

var _ bootctl.Client = &bootctl.CLI{}

func fakeBootctl(t *testing.T, script string) *bootctl.CLI {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bootctl")

	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	return bootctl.NewCLI(path)
}

func TestCurrentSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("reports slot", func(t *testing.T) {
		t.Parallel()

		client := fakeBootctl(t, `[ "$1" = "get-current-slot" ] || exit 9
echo 1`)

		slot, err := client.CurrentSlot(ctx)
		require.NoError(t, err)

		assert.Equal(t, bootctl.Slot(1), slot)
	})

	t.Run("garbage output", func(t *testing.T) {
		t.Parallel()

		client := fakeBootctl(t, `echo unexpected`)

		_, err := client.CurrentSlot(ctx)
		assert.Error(t, err)
	})

	t.Run("helper fails", func(t *testing.T) {
		t.Parallel()

		client := fakeBootctl(t, `exit 3`)

		_, err := client.CurrentSlot(ctx)
		assert.Error(t, err)
	})

	t.Run("helper missing", func(t *testing.T) {
		t.Parallel()

		client := bootctl.NewCLI(filepath.Join(t.TempDir(), "nonexistent"))

		_, err := client.CurrentSlot(ctx)
		assert.Error(t, err)
	})
}

func TestIsSlotMarkedSuccessful(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("marked", func(t *testing.T) {
		t.Parallel()

		client := fakeBootctl(t, `[ "$1" = "is-slot-marked-successful" ] || exit 9
[ "$2" = "3" ] || exit 9
exit 0`)

		marked, err := client.IsSlotMarkedSuccessful(ctx, 3)
		require.NoError(t, err)

		assert.True(t, marked)
	})

	t.Run("not marked", func(t *testing.T) {
		t.Parallel()

		client := fakeBootctl(t, `exit 1`)

		marked, err := client.IsSlotMarkedSuccessful(ctx, 0)
		require.NoError(t, err)

		assert.False(t, marked)
	})

	t.Run("query failure", func(t *testing.T) {
		t.Parallel()

		client := fakeBootctl(t, `exit 2`)

		_, err := client.IsSlotMarkedSuccessful(ctx, 0)
		assert.Error(t, err)
	})
}

func TestMarkBootSuccessful(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("marked", func(t *testing.T) {
		t.Parallel()

		client := fakeBootctl(t, `[ "$1" = "mark-boot-successful" ] || exit 9
exit 0`)

		assert.NoError(t, client.MarkBootSuccessful(ctx))
	})

	t.Run("mark failure", func(t *testing.T) {
		t.Parallel()

		client := fakeBootctl(t, `exit 1`)

		assert.Error(t, client.MarkBootSuccessful(ctx))
	})
}
