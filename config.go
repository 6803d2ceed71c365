// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"

	"github.com/MatthiasValvekens/usbip-server/driver"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultUSBIPPort   = 3240
	defaultMaxInFlight = 32
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("usbip-listen", fmt.Sprintf(":%d", defaultUSBIPPort), "The address at which to accept USB/IP connections.")
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.Int64("max-inflight", defaultMaxInFlight, "The maximum number of URBs submitted to the device at once.")
	flag.Duration("keepalive-idle", 0, "TCP keepalive idle time for USB/IP connections; 0 for the default of 15s.")
	flag.Duration("keepalive-interval", 0, "TCP keepalive probe interval for USB/IP connections; 0 for the default of 15s.")
	flag.Int("keepalive-count", 0, "TCP keepalive probe count for USB/IP connections; 0 for the default of 9.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbip-server/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getConfiguredExport decodes the "export" config section into a device
// selector. An absent section selects the first device sysfs offers.
func getConfiguredExport() (driver.DeviceSelector, error) {
	var selector driver.DeviceSelector
	raw := viper.Get("export")
	if raw == nil {
		return selector, nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &selector,
		TagName: "json",
	})
	if err != nil {
		return selector, err
	}
	if err := decoder.Decode(raw); err != nil {
		return selector, fmt.Errorf("failed to decode export selector %q: %w", raw, err)
	}
	return selector, nil
}
