package logflags

import (
	"errors"
	"io"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var attach = false
var gdbWire = false
var openocd = false
var probe = false
var unwind = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Attach returns true if probe attachment should be logged.
func Attach() bool {
	return attach
}

// AttachLogger returns a logger for probe attachment.
func AttachLogger() *logrus.Entry {
	return makeLogger(attach, logrus.Fields{"layer": "core"})
}

// GdbWire returns true if the core package should log all the packets
// exchanged with a GDB remote-serial stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the GDB remote-serial wire
// protocol.
func GdbWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "gdbconn"})
}

// OpenOCD returns true if the Tcl-RPC command/response exchange with an
// OpenOCD server should be logged.
func OpenOCD() bool {
	return openocd
}

// OpenOCDLogger returns a configured logger for the OpenOCD Tcl-RPC
// connection.
func OpenOCDLogger() *logrus.Entry {
	return makeLogger(openocd, logrus.Fields{"layer": "openocd"})
}

// Probe returns true if the live-probe backend should log.
func Probe() bool {
	return probe
}

// ProbeLogger returns a logger for the live-probe backend.
func ProbeLogger() *logrus.Entry {
	return makeLogger(probe, logrus.Fields{"layer": "probe"})
}

// Unwind returns true if the heuristic stack recovery in the architecture
// layer should log.
func Unwind() bool {
	return unwind
}

// UnwindLogger returns a logger for heuristic stack recovery.
func UnwindLogger() *logrus.Entry {
	return makeLogger(unwind, logrus.Fields{"layer": "arch", "kind": "unwind"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "attach"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "attach":
			attach = true
		case "gdbwire":
			gdbWire = true
		case "openocd":
			openocd = true
		case "probe":
			probe = true
		case "unwind":
			unwind = true
		}
	}
	return nil
}
