package core

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rivosinc/humility/pkg/logflags"
	"github.com/rivosinc/humility/pkg/regs"
)

// The Tcl-RPC server terminates every command and every response with a
// single 0x1a byte.
const openocdDelimiter = 0x1a

const (
	openocdTraceBegin = "type target_trace data "
	openocdTraceEnd   = "\r\n"
)

// DefaultOpenOCDAddr is the Tcl-RPC listener OpenOCD opens by default.
const DefaultOpenOCDAddr = "127.0.0.1:6666"

// OpenOCDCore drives a target through OpenOCD's Tcl-RPC service. The
// protocol is line oriented with no structured error channel; failures are
// detected heuristically from the response text.
type OpenOCDCore struct {
	conn net.Conn
	rdr  *bufio.Reader
	log  *logrus.Entry

	ioTimeout time.Duration

	swv     bool
	lastSWV time.Time

	halted    bool
	wasHalted bool
	nest      haltNest
}

// AttachOpenOCD connects to an OpenOCD Tcl-RPC server and probes the
// target's initial run state. The server offers no mid-session halted query
// that is safe to issue at arbitrary times, so the state is tracked
// explicitly from here on.
func AttachOpenOCD(addr string, connectTimeout, ioTimeout time.Duration) (*OpenOCDCore, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("can't connect to OpenOCD on %s; is it running?", addr)
	}
	c := &OpenOCDCore{
		conn:      conn,
		rdr:       bufio.NewReader(conn),
		log:       logflags.OpenOCDLogger(),
		ioTimeout: ioTimeout,
	}

	version, err := c.sendcmd("version")
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !strings.Contains(version, "Open On-Chip Debugger") {
		conn.Close()
		return nil, fmt.Errorf("version string unrecognized: %q", version)
	}

	if _, err := c.sendcmd("set targ [target current]"); err != nil {
		conn.Close()
		return nil, err
	}
	state, err := c.sendcmd("$targ curstate")
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch state {
	case "halted":
		c.log.Debug("connected to halted core")
		c.halted = true
	case "running":
		c.log.Debug("connected to running core")
	default:
		c.log.Warnf("target in unknown state %q, treating it as running", state)
	}
	c.wasHalted = c.halted
	return c, nil
}

// sendcmd issues one Tcl command and collects its response. OpenOCD has no
// coherent way of indicating that a command failed; any response containing
// "Error: " or "invalid command name " is assumed to be one.
func (c *OpenOCDCore) sendcmd(cmd string) (string, error) {
	c.log.Debugf("-> %s", cmd)

	c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	if _, err := c.conn.Write(append([]byte(cmd), openocdDelimiter)); err != nil {
		return "", err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
	resp, err := c.rdr.ReadString(openocdDelimiter)
	if err != nil {
		return "", err
	}
	resp = strings.TrimSuffix(resp, string(rune(openocdDelimiter)))
	c.log.Debugf("<- %s", resp)

	if strings.Contains(resp, "Error: ") {
		return "", fmt.Errorf("OpenOCD command %q failed with %q", cmd, resp)
	}
	if strings.Contains(resp, "invalid command name ") {
		return "", fmt.Errorf("OpenOCD command %q invalid: %q", cmd, resp)
	}
	return resp, nil
}

func (c *OpenOCDCore) Info() string { return "OpenOCD " + c.conn.RemoteAddr().String() }

func (c *OpenOCDCore) ReadWord32(addr uint32) (uint32, error) {
	if err := c.OpStart(); err != nil {
		return 0, err
	}
	defer c.OpDone()

	resp, err := c.sendcmd(fmt.Sprintf("mrw 0x%x", addr))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(resp), 0, 32)
	if err != nil {
		return 0, ProtocolError{Backend: "OpenOCD", Cmd: "mrw", Response: resp}
	}
	return uint32(v), nil
}

func (c *OpenOCDCore) Read8(addr uint32, buf []byte) error {
	if err := checkReadSize(len(buf)); err != nil {
		return err
	}
	if err := c.OpStart(); err != nil {
		return err
	}
	defer c.OpDone()

	// To read an array we put it in a Tcl variable called "output" and
	// then dump the variable.
	cmd := fmt.Sprintf("mem2array output 8 0x%x %d", addr, len(buf))
	if _, err := c.sendcmd("array unset output"); err != nil {
		return err
	}
	if _, err := c.sendcmd(cmd); err != nil {
		return err
	}
	resp, err := c.sendcmd("return $output")
	if err != nil {
		return err
	}

	// If mem2array failed wildly, OpenOCD won't return an error -- it
	// merely fails to set the variable.
	if strings.Contains(resp, "no such variable") {
		return fmt.Errorf("read at 0x%x for %d bytes failed", addr, len(buf))
	}
	return parseArrayDump(resp, buf)
}

// parseArrayDump decodes the dump of a Tcl array variable: an undelimited
// sequence of (index, value) pairs, sorted alphabetically by index rather
// than numerically. Every index in [0, len(buf)) must appear exactly once;
// a missing index is a parse failure, never a zero fill.
func parseArrayDump(resp string, buf []byte) error {
	seen := make([]bool, len(buf))
	fields := strings.Fields(resp)
	if len(fields)%2 != 0 {
		return fmt.Errorf("array dump %q: odd field count", resp)
	}
	for i := 0; i < len(fields); i += 2 {
		idx, err := strconv.Atoi(fields[i])
		if err != nil {
			return fmt.Errorf("array dump %q: bad index %q", resp, fields[i])
		}
		if idx < 0 || idx >= len(buf) {
			return fmt.Errorf("array dump %q: illegal index %d", resp, idx)
		}
		if seen[idx] {
			return fmt.Errorf("array dump %q: duplicate index %d", resp, idx)
		}
		v, err := strconv.ParseUint(fields[i+1], 0, 8)
		if err != nil {
			return fmt.Errorf("array dump %q: bad value %q", resp, fields[i+1])
		}
		seen[idx] = true
		buf[idx] = byte(v)
	}
	for idx, ok := range seen {
		if !ok {
			return fmt.Errorf("array dump %q: missing index %d", resp, idx)
		}
	}
	return nil
}

func (c *OpenOCDCore) ReadReg(r regs.Register) (uint64, error) {
	if err := c.OpStart(); err != nil {
		return 0, err
	}
	defer c.OpDone()

	cmd := fmt.Sprintf("reg %d", r.GDBNum())
	resp, err := c.sendcmd(cmd)
	if err != nil {
		return 0, err
	}

	// the response is "name (/bits): 0xvalue"
	line, _, _ := strings.Cut(resp, "\n")
	fields := strings.Fields(line)
	if len(fields) > 0 {
		if v, err := strconv.ParseUint(fields[len(fields)-1], 0, 64); err == nil {
			return v, nil
		}
	}
	return 0, ProtocolError{Backend: "OpenOCD", Cmd: cmd, Response: resp}
}

func (c *OpenOCDCore) WriteReg(regs.Register, uint64) error {
	return CapabilityError{Backend: "OpenOCD", Op: "write a register"}
}

func (c *OpenOCDCore) WriteWord32(addr uint32, v uint32) error {
	if err := c.OpStart(); err != nil {
		return err
	}
	defer c.OpDone()

	_, err := c.sendcmd(fmt.Sprintf("mww 0x%x 0x%x", addr, v))
	return err
}

func (c *OpenOCDCore) Write8(uint32, []byte) error {
	return CapabilityError{Backend: "OpenOCD", Op: "write byte arrays"}
}

func (c *OpenOCDCore) haltTarget() error {
	if _, err := c.sendcmd("halt"); err != nil {
		return err
	}
	c.halted = true
	return nil
}

func (c *OpenOCDCore) resumeTarget() error {
	if _, err := c.sendcmd("resume"); err != nil {
		return err
	}
	c.halted = false
	return nil
}

// Halt and Run are direct: a Halt on a halted target and a Run on a running
// one are no-ops.
func (c *OpenOCDCore) Halt() error {
	if c.halted {
		return nil
	}
	return c.haltTarget()
}

func (c *OpenOCDCore) Run() error {
	if !c.halted {
		return nil
	}
	return c.resumeTarget()
}

func (c *OpenOCDCore) Step() error {
	return CapabilityError{Backend: "OpenOCD", Op: "step"}
}

// OpStart and OpDone nest: only the outermost bracket sends the halt command,
// and only the matching OpDone resumes.
func (c *OpenOCDCore) OpStart() error {
	if c.nest.enter(!c.halted) {
		if err := c.haltTarget(); err != nil {
			c.nest.abort()
			return err
		}
	}
	return nil
}

func (c *OpenOCDCore) OpDone() error {
	if c.nest.exit() {
		return c.resumeTarget()
	}
	return nil
}

func (c *OpenOCDCore) InitSWV() error {
	c.swv = true
	if _, err := c.sendcmd("tpiu config disable"); err != nil {
		return err
	}
	// TODO: this assumes the STM32F4's 16MHz trace clock; it should come
	// from configuration.
	if _, err := c.sendcmd("tpiu config internal - uart on 16000000"); err != nil {
		return err
	}
	_, err := c.sendcmd("tcl_trace on")
	return err
}

// ReadSWV returns the next chunk of trace data. OpenOCD blocks until data is
// available; to better approximate the non-blocking behavior of a directly
// attached probe, reads within 100ms of the previous one return empty and
// rely on OpenOCD to buffer.
func (c *OpenOCDCore) ReadSWV() ([]byte, error) {
	if !c.swv {
		if err := c.InitSWV(); err != nil {
			return nil, err
		}
	}

	if !c.lastSWV.IsZero() && time.Since(c.lastSWV) < 100*time.Millisecond {
		return nil, nil
	}

	c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
	raw, err := c.rdr.ReadString(openocdDelimiter)
	if err != nil {
		return nil, err
	}
	c.lastSWV = time.Now()

	// OpenOCD can sometimes send multiple delimiters, or none at all.
	msg := strings.Trim(raw, string(rune(openocdDelimiter)))
	if msg == "" {
		return nil, nil
	}
	if !strings.HasPrefix(msg, openocdTraceBegin) || !strings.HasSuffix(msg, openocdTraceEnd) {
		return nil, ProtocolError{Backend: "OpenOCD", Cmd: "trace", Response: msg}
	}
	return decodeTraceData(msg[len(openocdTraceBegin) : len(msg)-len(openocdTraceEnd)])
}

func decodeTraceData(hexstr string) ([]byte, error) {
	if len(hexstr)%2 != 0 {
		return nil, fmt.Errorf("short trace data: %q", hexstr)
	}
	data := make([]byte, 0, len(hexstr)/2)
	for i := 0; i < len(hexstr); i += 2 {
		v, err := strconv.ParseUint(hexstr[i:i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bogus trace data: %q", hexstr)
		}
		data = append(data, byte(v))
	}
	return data, nil
}

func (c *OpenOCDCore) Load(path string) error {
	if _, err := c.sendcmd("reset init"); err != nil {
		return err
	}
	if _, err := c.sendcmd(fmt.Sprintf("load_image %s 0x0", path)); err != nil {
		return err
	}
	if _, err := c.sendcmd(fmt.Sprintf("verify_image %s 0x0", path)); err != nil {
		return err
	}
	_, err := c.sendcmd("reset run")
	return err
}

func (c *OpenOCDCore) Reset() error {
	_, err := c.sendcmd("reset run")
	return err
}

func (c *OpenOCDCore) IsDump() bool { return false }

// Detach restores the target's initial run state before closing the
// connection.
func (c *OpenOCDCore) Detach() error {
	if !c.wasHalted && c.halted {
		if _, err := c.sendcmd("resume"); err != nil {
			c.conn.Close()
			return err
		}
	}
	return c.conn.Close()
}
