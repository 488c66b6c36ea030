package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rivosinc/humility/pkg/logflags"
)

// AttachConfig carries everything attachment needs beyond the probe
// specifier itself. The architecture-derived fields (GenericChip,
// AlwaysReadable) are filled in by the caller so this package stays
// architecture-independent.
type AttachConfig struct {
	// Driver opens USB probes. Required for "usb", selector and "auto"
	// attachment.
	Driver ProbeDriver

	// Chip is the explicit chip identifier, empty to attach generically.
	Chip string

	// GenericChip is the architecture's generic chip name, used when
	// Chip is empty. Generic attachment cannot flash.
	GenericChip string

	// AlwaysReadable are the architecture's unhalted-read windows.
	AlwaysReadable []AddrRange

	// OpenOCDAddr overrides the Tcl-RPC address, GDBHost the host the
	// GDB-server ports are dialed on.
	OpenOCDAddr string
	GDBHost     string

	ConnectTimeout time.Duration
	IOTimeout      time.Duration

	// FlashProgress, if set, receives flash progress on probe cores.
	FlashProgress FlashProgressFunc
}

func (cfg *AttachConfig) openocdAddr() string {
	if cfg.OpenOCDAddr != "" {
		return cfg.OpenOCDAddr
	}
	return DefaultOpenOCDAddr
}

func (cfg *AttachConfig) gdbAddr(server GDBServer, port int) string {
	host := cfg.GDBHost
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = server.DefaultPort()
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (cfg *AttachConfig) connectTimeout() time.Duration {
	if cfg.ConnectTimeout != 0 {
		return cfg.ConnectTimeout
	}
	return 100 * time.Millisecond
}

func (cfg *AttachConfig) ioTimeout() time.Duration {
	if cfg.IOTimeout != 0 {
		return cfg.IOTimeout
	}
	return time.Second
}

// parseProbe splits a probe specifier of the form "name-N" into the name and
// the numeric suffix: a probe index for "usb-1", a port for "qemu-1234".
func parseProbe(spec string) (string, int, bool) {
	name, num, ok := strings.Cut(spec, "-")
	if !ok {
		return spec, 0, false
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return spec, 0, false
	}
	return name, n, true
}

// Attach connects to a target. The probe specifier selects the transport:
//
//	usb | usb-N      directly attached probe (optionally by index)
//	ocd              OpenOCD Tcl-RPC
//	ocdgdb           OpenOCD's GDB server
//	jlink            JLink GDB server
//	qemu | qemu-PORT QEMU's GDB server
//	auto             try ocd, jlink, qemu, then usb
//	vid:pid[:serial] directly attached probe by USB selector
func Attach(probeSpec string, cfg AttachConfig) (Core, error) {
	log := logflags.AttachLogger()
	name, num, hasNum := parseProbe(probeSpec)

	switch name {
	case "usb":
		index := -1
		if hasNum {
			index = num
		}
		probe, err := openUSBProbe(cfg.Driver, index)
		if err != nil {
			return nil, err
		}
		return attachProbe(probe, cfg)

	case "ocd":
		c, err := AttachOpenOCD(cfg.openocdAddr(), cfg.connectTimeout(), cfg.ioTimeout())
		if err != nil {
			return nil, err
		}
		log.Info("attached via OpenOCD")
		return c, nil

	case "ocdgdb":
		c, err := AttachGDB(ServerOpenOCD, cfg.gdbAddr(ServerOpenOCD, 0), cfg.connectTimeout(), cfg.ioTimeout())
		if err != nil {
			return nil, err
		}
		log.Info("attached via OpenOCD's GDB server")
		return c, nil

	case "jlink":
		c, err := AttachGDB(ServerJLink, cfg.gdbAddr(ServerJLink, 0), cfg.connectTimeout(), cfg.ioTimeout())
		if err != nil {
			return nil, err
		}
		log.Info("attached via JLink")
		return c, nil

	case "qemu":
		port := 0
		if hasNum {
			port = num
		}
		c, err := AttachGDB(ServerQemu, cfg.gdbAddr(ServerQemu, port), cfg.connectTimeout(), cfg.ioTimeout())
		if err != nil {
			return nil, err
		}
		log.Info("attached via QEMU's GDB server")
		return c, nil

	case "auto":
		// Try the network transports first; they fail fast when no
		// server is listening. The two qemu ports are the common ones.
		for _, spec := range []string{"ocd", "jlink", "qemu-1234", "qemu-3333"} {
			if c, err := Attach(spec, cfg); err == nil {
				return c, nil
			}
		}
		return Attach("usb", cfg)

	default:
		if !strings.Contains(probeSpec, ":") {
			return nil, fmt.Errorf("unrecognized probe %q", probeSpec)
		}
		if cfg.Driver == nil {
			return nil, fmt.Errorf("no probe driver available for %q", probeSpec)
		}
		probe, err := cfg.Driver.OpenSelector(probeSpec)
		if err != nil {
			return nil, err
		}
		return attachProbe(probe, cfg)
	}
}

// AttachUnattached opens a probe without establishing a target session, for
// probe-level operations like driving the reset line.
func AttachUnattached(probeSpec string, cfg AttachConfig) (Core, error) {
	name, num, hasNum := parseProbe(probeSpec)

	switch name {
	case "usb", "auto":
		index := -1
		if hasNum {
			index = num
		}
		probe, err := openUSBProbe(cfg.Driver, index)
		if err != nil {
			return nil, err
		}
		logflags.AttachLogger().Infof("opened probe %s", probe.Info().Identifier)
		return NewUnattachedCore(probe), nil

	case "ocd", "ocdgdb", "jlink", "qemu":
		return nil, fmt.Errorf("probe-only attachment with %s is not supported", name)

	default:
		if !strings.Contains(probeSpec, ":") {
			return nil, fmt.Errorf("unrecognized probe %q", probeSpec)
		}
		if cfg.Driver == nil {
			return nil, fmt.Errorf("no probe driver available for %q", probeSpec)
		}
		probe, err := cfg.Driver.OpenSelector(probeSpec)
		if err != nil {
			return nil, err
		}
		return NewUnattachedCore(probe), nil
	}
}

// openUSBProbe selects and opens one probe; index is -1 to auto-select, in
// which case exactly one probe must be attached.
func openUSBProbe(driver ProbeDriver, index int) (Probe, error) {
	if driver == nil {
		return nil, fmt.Errorf("no probe driver available")
	}
	probes, err := driver.List()
	if err != nil {
		return nil, err
	}
	if len(probes) == 0 {
		return nil, fmt.Errorf("no debug probe found; is it plugged in?")
	}

	var info ProbeInfo
	switch {
	case index >= len(probes):
		return nil, fmt.Errorf("index (%d) exceeds max probe index (%d)", index, len(probes)-1)
	case index >= 0:
		info = probes[index]
	case len(probes) == 1:
		info = probes[0]
	default:
		return nil, fmt.Errorf("multiple USB probes detected; must explicitly append index (e.g. \"usb-0\")")
	}
	return driver.Open(info)
}

// attachProbe establishes a target session on an opened probe. Without an
// explicit chip the architecture's generic chip is used, which attaches fine
// but cannot flash; canFlash records that so Load can fail explicitly.
func attachProbe(probe Probe, cfg AttachConfig) (Core, error) {
	chip, canFlash := cfg.Chip, true
	if chip == "" {
		chip, canFlash = cfg.GenericChip, false
	}
	if chip == "" {
		probe.Close()
		return nil, fmt.Errorf("no chip to attach to")
	}

	session, err := probe.Attach(chip)
	if err != nil {
		probe.Close()
		return nil, err
	}
	logflags.AttachLogger().Infof("attached via %s", probe.Info().Identifier)

	c := NewProbeCore(session, probe.Info(), cfg.AlwaysReadable, canFlash)
	c.Progress = cfg.FlashProgress
	return c, nil
}
