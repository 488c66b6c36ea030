// Package config loads the debugger's configuration file,
// ~/.humility/config.yml. A missing or unreadable file is not an error: the
// defaults apply and the file is created on first use so there is something
// to edit.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".humility"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the
// config file. Command-line flags override all of them.
type Config struct {
	// Probe is the default probe specifier ("usb", "ocd", "jlink",
	// "qemu", "auto", or a vid:pid selector).
	Probe string `yaml:"probe,omitempty"`

	// Chip is the default chip identifier passed to the probe driver.
	Chip string `yaml:"chip,omitempty"`

	// OpenOCDAddr is the Tcl-RPC address, host:port.
	OpenOCDAddr string `yaml:"openocd-addr,omitempty"`

	// GDBHost is the host GDB-server ports are dialed on.
	GDBHost string `yaml:"gdb-host,omitempty"`

	// GDBPorts overrides the default port per server name ("ocdgdb",
	// "jlink", "qemu").
	GDBPorts map[string]int `yaml:"gdb-ports,omitempty"`

	// ConnectTimeoutMS and IOTimeoutMS bound network transport dials and
	// round-trips, in milliseconds.
	ConnectTimeoutMS int `yaml:"connect-timeout-ms,omitempty"`
	IOTimeoutMS      int `yaml:"io-timeout-ms,omitempty"`
}

// ConnectTimeout returns the configured dial timeout, or zero if unset.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// IOTimeout returns the configured round-trip timeout, or zero if unset.
func (c *Config) IOTimeout() time.Duration {
	return time.Duration(c.IOTimeoutMS) * time.Millisecond
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := os.ReadFile(fullConfigFile)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return &Config{}
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}

	return &c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for humility.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Default probe specifier: usb, usb-N, ocd, ocdgdb, jlink, qemu, qemu-PORT,
# auto, or a vid:pid[:serial] USB selector.
# probe: auto

# Default chip identifier, passed to the probe driver. Without it attachment
# uses the architecture's generic chip and flashing is disabled.
# chip: STM32F407VGTx

# Address of OpenOCD's Tcl-RPC service.
# openocd-addr: 127.0.0.1:6666

# Host the GDB-server ports are dialed on.
# gdb-host: 127.0.0.1

# Per-server GDB port overrides.
gdb-ports:
  # ocdgdb: 3333
  # jlink: 2331
  # qemu: 3333

# Network transport timeouts, in milliseconds.
# connect-timeout-ms: 100
# io-timeout-ms: 1000
`)
	return err
}

// createConfigPath creates the directory structure at which all config files
// are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
