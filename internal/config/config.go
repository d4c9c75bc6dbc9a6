// SPDX-License-Identifier: GPL-2.0-only

// Package config loads the daemon's configuration: pflag-defined flags
// bound into viper, an optional YAML config file, and mapstructure
// decoding of structured sections.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogLevelAll   = "all"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
	LogLevelNone  = "none"
)

var AvailableLogLevels = strings.Join([]string{
	LogLevelAll, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelNone,
}, ", ")

// KnownClient is optional display metadata for a client ID, decoded from
// the config file's "clients" section.
type KnownClient struct {
	ID          string `mapstructure:"id"`
	DisplayName string `mapstructure:"display_name"`
}

// Daemon holds every setting the usbip-assignd binary needs.
type Daemon struct {
	SocketHost      string
	SocketPort      int
	APIHost         string
	APIPort         int
	PortPrefixes    []string
	AssignmentsFile string
	SysfsRoot       string
	LogLevel        string
	KnownClients    []KnownClient
}

// LoadDaemon defines flags, binds them into viper, reads an optional config
// file, and decodes the result into a Daemon.
func LoadDaemon(args []string) (*Daemon, error) {
	fs := flag.NewFlagSet("usbip-assignd", flag.ContinueOnError)

	cfgFile := fs.String("config", "", "Path to the YAML config file.")
	fs.String("socket-host", "0.0.0.0", "Host to bind the client control socket on.")
	fs.Int("socket-port", 3240, "Port to bind the client control socket on.")
	fs.String("api-host", "127.0.0.1", "Host to bind the operator control API on.")
	fs.Int("api-port", 8080, "Port to bind the operator control API on.")
	fs.StringSlice("port-prefixes", []string{"1-", "2-"}, "Root-hub port prefixes the port watcher observes.")
	fs.String("assignments-file", "/var/lib/usbip-assignd/assignments.json", "Path to the assignment store's JSON file.")
	fs.String("sysfs-root", "/sys/bus/usb/devices", "Sysfs directory the port watcher enumerates and watches.")
	fs.String("log-level", LogLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", AvailableLogLevels))

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := viper.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind config flags: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbip-assignd/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	knownClients, err := decodeKnownClients()
	if err != nil {
		return nil, err
	}

	logLevel := viper.GetString("log-level")
	switch logLevel {
	case LogLevelAll, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelNone:
	default:
		return nil, fmt.Errorf("log level %q unknown; possible values are: %s", logLevel, AvailableLogLevels)
	}

	return &Daemon{
		SocketHost:      viper.GetString("socket-host"),
		SocketPort:      viper.GetInt("socket-port"),
		APIHost:         viper.GetString("api-host"),
		APIPort:         viper.GetInt("api-port"),
		PortPrefixes:    viper.GetStringSlice("port-prefixes"),
		AssignmentsFile: viper.GetString("assignments-file"),
		SysfsRoot:       viper.GetString("sysfs-root"),
		LogLevel:        logLevel,
		KnownClients:    knownClients,
	}, nil
}

// decodeKnownClients decodes the optional "clients" config section into
// display-name metadata.
func decodeKnownClients() ([]KnownClient, error) {
	raw := viper.Get("clients")
	if raw == nil {
		return nil, nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("failed to decode clients: unexpected type %T", raw)
	}

	clients := make([]KnownClient, len(list))
	for i, item := range list {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &clients[i],
			TagName: "mapstructure",
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(item); err != nil {
			return nil, fmt.Errorf("failed to decode client entry %v: %w", item, err)
		}
	}
	return clients, nil
}
