// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/siderolabs/go-updateverify/bootctl"
	"github.com/siderolabs/go-updateverify/caremap"
	"github.com/siderolabs/go-updateverify/devmapper"
	"github.com/siderolabs/go-updateverify/firstboot"
)

// config is the runtime configuration, merged from the optional config file,
// the environment and the command line flags, in ascending precedence.
type config struct {
	CareMap     string `mapstructure:"care_map"`
	CareMapDir  string `mapstructure:"care_map_dir"`
	SysBlockDir string `mapstructure:"sys_block_dir"`
	DevDir      string `mapstructure:"dev_dir"`
	CmdlinePath string `mapstructure:"cmdline_path"`
	Bootctl     string `mapstructure:"bootctl"`
	Threads     int    `mapstructure:"threads"`
	Debug       bool   `mapstructure:"debug"`
}

// loadConfig reads the config file (when present) and the
// UPDATE_VERIFIER_* environment variables. An explicit configFile must
// exist, while the default update-verifier.yaml is optional.
func loadConfig(configFile string) (*config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("update-verifier")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	v.SetDefault("care_map", "")
	v.SetDefault("care_map_dir", caremap.DefaultDir)
	v.SetDefault("sys_block_dir", devmapper.DefaultSysBlockDir)
	v.SetDefault("dev_dir", devmapper.DefaultDevDir)
	v.SetDefault("cmdline_path", firstboot.DefaultCmdlinePath)
	v.SetDefault("bootctl", bootctl.DefaultBinary)
	v.SetDefault("threads", 0)
	v.SetDefault("debug", false)

	v.SetEnvPrefix("UPDATE_VERIFIER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError

		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
