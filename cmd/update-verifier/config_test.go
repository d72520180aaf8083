// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-updateverify/caremap"
	"github.com/siderolabs/go-updateverify/devmapper"
	"github.com/siderolabs/go-updateverify/firstboot"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "", cfg.CareMap)
	assert.Equal(t, caremap.DefaultDir, cfg.CareMapDir)
	assert.Equal(t, devmapper.DefaultSysBlockDir, cfg.SysBlockDir)
	assert.Equal(t, devmapper.DefaultDevDir, cfg.DevDir)
	assert.Equal(t, firstboot.DefaultCmdlinePath, cfg.CmdlinePath)
	assert.Equal(t, "bootctl", cfg.Bootctl)
	assert.Equal(t, 0, cfg.Threads)
	assert.False(t, cfg.Debug)
}

func TestLoadConfigEnvironment(t *testing.T) {
	t.Setenv("UPDATE_VERIFIER_THREADS", "7")
	t.Setenv("UPDATE_VERIFIER_BOOTCTL", "/vendor/bin/bootctl")
	t.Setenv("UPDATE_VERIFIER_DEBUG", "true")

	cfg, err := loadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Threads)
	assert.Equal(t, "/vendor/bin/bootctl", cfg.Bootctl)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verifier.yaml")

	require.NoError(t, os.WriteFile(path, []byte("care_map_dir: /mnt/ota\nthreads: 9\n"), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/mnt/ota", cfg.CareMapDir)
	assert.Equal(t, 9, cfg.Threads)
	assert.Equal(t, "bootctl", cfg.Bootctl)
}

func TestLoadConfigFileMissing(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "no-such.yaml"))
	assert.Error(t, err)
}
