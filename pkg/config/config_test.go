package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v2"
)

func TestUnmarshal(t *testing.T) {
	data := `
probe: usb-1
chip: STM32F407VGTx
openocd-addr: 127.0.0.1:7777
gdb-ports:
  jlink: 2345
connect-timeout-ms: 250
`
	var c Config
	if err := yaml.Unmarshal([]byte(data), &c); err != nil {
		t.Fatal(err)
	}
	if c.Probe != "usb-1" || c.Chip != "STM32F407VGTx" {
		t.Errorf("probe/chip parsed as %q/%q", c.Probe, c.Chip)
	}
	if c.OpenOCDAddr != "127.0.0.1:7777" {
		t.Errorf("openocd-addr parsed as %q", c.OpenOCDAddr)
	}
	if c.GDBPorts["jlink"] != 2345 {
		t.Errorf("gdb-ports parsed as %v", c.GDBPorts)
	}
	if c.ConnectTimeout() != 250*time.Millisecond {
		t.Errorf("connect timeout = %v", c.ConnectTimeout())
	}
	if c.IOTimeout() != 0 {
		t.Errorf("unset io timeout = %v, want 0", c.IOTimeout())
	}
}

func TestDefaultConfigParses(t *testing.T) {
	// the commented-out template must itself be valid YAML
	path := filepath.Join(t.TempDir(), "config.yml")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeDefaultConfig(f); err != nil {
		t.Fatal(err)
	}
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if c.Probe != "" || c.Chip != "" || len(c.GDBPorts) != 0 {
		t.Errorf("default config sets options: %+v", c)
	}
}

func TestRoundTrip(t *testing.T) {
	in := Config{
		Probe:       "auto",
		GDBHost:     "10.0.0.2",
		IOTimeoutMS: 1500,
	}
	out, err := yaml.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var back Config
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	if back.Probe != in.Probe || back.GDBHost != in.GDBHost || back.IOTimeoutMS != in.IOTimeoutMS {
		t.Errorf("round trip changed the config: %+v != %+v", back, in)
	}
}
