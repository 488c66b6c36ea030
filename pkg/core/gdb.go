package core

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rivosinc/humility/pkg/logflags"
	"github.com/rivosinc/humility/pkg/regs"
)

// GDBServer identifies which flavor of GDB remote-serial stub we are talking
// to. The protocol is the same; the default port and a few quirks differ.
type GDBServer int

const (
	ServerOpenOCD GDBServer = iota
	ServerJLink
	ServerQemu
)

func (s GDBServer) String() string {
	switch s {
	case ServerOpenOCD:
		return "OpenOCD"
	case ServerJLink:
		return "JLink"
	case ServerQemu:
		return "QEMU"
	}
	return fmt.Sprintf("GDBServer(%d)", int(s))
}

// DefaultPort returns the port the server listens on by default.
func (s GDBServer) DefaultPort() int {
	switch s {
	case ServerJLink:
		return 2331
	default:
		return 3333
	}
}

// stopReply is the front of the packet a stub sends when the target stops on
// signal 2 (SIGINT). Stubs send it unsolicited when they halt the target on
// connect or on interrupt.
const stopReply = "T02"

// GDBCore drives a target through a GDB remote-serial stub. Only the
// table-driven flavor of register access is implemented: the register
// numbering for special registers comes from the target description
// negotiated at connect, never from guessing.
type GDBCore struct {
	conn net.Conn
	rdr  *bufio.Reader
	log  *logrus.Entry

	server    GDBServer
	ioTimeout time.Duration

	outbuf bytes.Buffer

	// packetSize is the stub's maximum packet length, from qSupported.
	packetSize int

	// regnums maps target-description register names to protocol numbers.
	// It overrides the fixed architecture numbering for special registers
	// only; general-purpose registers and the PC always use the fixed id.
	regnums map[string]uint32

	halted    bool
	wasHalted bool
	nest      haltNest
}

// AttachGDB connects to a GDB remote-serial stub and negotiates features.
// Stubs halt the target upon connection; if the target had been running it
// is resumed before AttachGDB returns, and the original run state is
// restored again on Detach.
func AttachGDB(server GDBServer, addr string, connectTimeout, ioTimeout time.Duration) (*GDBCore, error) {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("can't connect to %s GDB server on %s; is it running?", server, addr)
	}
	c := &GDBCore{
		conn:      conn,
		rdr:       bufio.NewReader(conn),
		log:       logflags.GdbWireLogger(),
		server:    server,
		ioTimeout: ioTimeout,
		halted:    true,
		wasHalted: true,
	}

	// If the target had been running the stub halts it now and sends an
	// unsolicited stop reply; if it was already halted there is nothing
	// to read and the receive times out.
	data, err := c.recv()
	switch {
	case err == nil && strings.HasPrefix(data, stopReply):
		c.log.Debug("connected to running core")
		c.sendack()
		c.wasHalted = false
		c.halted = true
	case err == nil:
		conn.Close()
		return nil, ProtocolError{Backend: server.String(), Cmd: "connect", Response: data}
	case isTimeout(err):
		c.log.Debug("connected to halted core")
	default:
		conn.Close()
		return nil, err
	}

	if err := c.negotiate(); err != nil {
		conn.Close()
		return nil, err
	}

	if !c.wasHalted {
		if err := c.continueTarget(); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

func isTimeout(err error) bool {
	nerr, ok := err.(net.Error)
	return ok && nerr.Timeout()
}

// negotiate queries the stub's capabilities and builds the register-name
// table from the target description.
func (c *GDBCore) negotiate() error {
	c.packetSize = 256
	c.regnums = map[string]uint32{}

	resp, err := c.exec("qSupported:swbreak+;hwbreak+;xmlRegisters=arm,riscv")
	if err != nil {
		return err
	}
	var haveXml bool
	for _, feature := range strings.Split(resp, ";") {
		if name, value, ok := strings.Cut(feature, "="); ok {
			switch name {
			case "PacketSize":
				if n, err := strconv.ParseUint(value, 16, 32); err == nil {
					c.packetSize = int(n)
				}
			case "qXfer:features:read":
				haveXml = value == "+"
			}
			continue
		}
		if feature == "qXfer:features:read+" {
			haveXml = true
		}
	}
	if !haveXml {
		c.log.Debug("stub does not offer a target description")
		return nil
	}
	return c.readTargetXml("target.xml")
}

// readTargetXml fetches and parses one target-description document,
// recursively resolving its includes, and folds every register element into
// the name table. Register numbers without an explicit regnum attribute are
// one past the previous register's.
func (c *GDBCore) readTargetXml(annex string) error {
	doc, err := c.readAnnex(annex)
	if err != nil {
		return err
	}
	var target xmlTarget
	if err := xml.Unmarshal(doc, &target); err != nil {
		return fmt.Errorf("malformed target description %s: %v", annex, err)
	}
	for _, include := range target.Includes {
		if err := c.readTargetXml(include.Href); err != nil {
			return err
		}
	}
	regnum := uint32(0)
	for _, feature := range target.Features {
		for _, reg := range feature.Regs {
			if reg.Regnum != "" {
				n, err := strconv.ParseUint(reg.Regnum, 10, 32)
				if err != nil {
					return fmt.Errorf("target description %s: bad regnum %q", annex, reg.Regnum)
				}
				regnum = uint32(n)
			}
			c.regnums[reg.Name] = regnum
			regnum++
		}
	}
	return nil
}

// readAnnex performs one chunked qXfer:features:read transfer: each chunk
// comes back prefixed 'm' (more follows) or 'l' (last).
func (c *GDBCore) readAnnex(annex string) ([]byte, error) {
	chunk := c.packetSize - 64
	if chunk < 64 {
		chunk = 64
	}
	var doc []byte
	for offset := 0; ; {
		cmd := fmt.Sprintf("qXfer:features:read:%s:%x,%x", annex, offset, chunk)
		resp, err := c.exec(cmd)
		if err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			return nil, ProtocolError{Backend: c.server.String(), Cmd: cmd, Response: resp}
		}
		doc = append(doc, resp[1:]...)
		offset += len(resp) - 1
		switch resp[0] {
		case 'l':
			return doc, nil
		case 'm':
		default:
			return nil, ProtocolError{Backend: c.server.String(), Cmd: cmd, Response: resp}
		}
	}
}

type xmlTarget struct {
	Includes []xmlInclude `xml:"include"`
	Features []xmlFeature `xml:"feature"`
}

type xmlInclude struct {
	Href string `xml:"href,attr"`
}

type xmlFeature struct {
	Name string   `xml:"name,attr"`
	Regs []xmlReg `xml:"reg"`
}

type xmlReg struct {
	Name    string `xml:"name,attr"`
	Bitsize string `xml:"bitsize,attr"`
	Regnum  string `xml:"regnum,attr"`
}

// regnum returns the protocol number for r: the fixed architecture id for
// general-purpose registers and the PC, the negotiated table entry for
// everything else. An absent name or an empty table is a hard failure.
func (c *GDBCore) regnum(r regs.Register) (uint32, error) {
	if r.IsGeneralPurpose() || r.IsPC() {
		return r.GDBNum(), nil
	}
	n, ok := c.regnums[r.GDBName()]
	if !ok {
		return 0, fmt.Errorf("register %s is not in the %s target description", r, c.server)
	}
	return n, nil
}

// checksum is the sum of the payload bytes mod 256, rendered as two
// lowercase hex digits in the packet trailer.
func checksum(payload string) byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return sum
}

// send frames and transmits one packet.
func (c *GDBCore) send(cmd string) error {
	c.outbuf.Reset()
	fmt.Fprintf(&c.outbuf, "$%s#%02x", cmd, checksum(cmd))
	c.log.Debugf("-> %s", c.outbuf.String())

	c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	_, err := c.conn.Write(c.outbuf.Bytes())
	return err
}

// recv reads one packet, skipping interleaved acks, verifies its checksum
// and decodes the escape and run-length conventions. It does not ack.
func (c *GDBCore) recv() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout))
	for {
		b, err := c.rdr.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '$' {
			break
		}
		if b != '+' && b != '-' {
			return "", fmt.Errorf("unexpected byte %#x while waiting for packet start", b)
		}
	}
	payload, err := c.rdr.ReadString('#')
	if err != nil {
		return "", err
	}
	payload = payload[:len(payload)-1]
	var cksum [2]byte
	if _, err := io.ReadFull(c.rdr, cksum[:]); err != nil {
		return "", err
	}
	want, err := strconv.ParseUint(string(cksum[:]), 16, 8)
	if err != nil || byte(want) != checksum(payload) {
		return "", fmt.Errorf("bad checksum %q for payload %q", cksum, payload)
	}
	decoded := wiredecode(payload)
	c.log.Debugf("<- %s", decoded)
	return decoded, nil
}

// wiredecode undoes the protocol's escape ('}' xor 0x20) and run-length
// ('*' count+29) conventions.
func wiredecode(in string) string {
	if !strings.ContainsAny(in, "}*") {
		return in
	}
	var out []byte
	for i := 0; i < len(in); i++ {
		switch ch := in[i]; ch {
		case '}':
			if i+1 < len(in) {
				i++
				out = append(out, in[i]^0x20)
			}
		case '*':
			if i+1 < len(in) && len(out) > 0 {
				i++
				n := int(in[i]) - 29
				for j := 0; j < n; j++ {
					out = append(out, out[len(out)-1])
				}
			}
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}

func (c *GDBCore) sendack() {
	c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	c.conn.Write([]byte{'+'})
}

// exec performs one command/response cycle. A stub that halts the target on
// its own sends an unsolicited stop reply in place of our answer; when that
// happens the stop is acked, the original command retransmitted, and -- if
// the session had been running -- the target continued afterward, all
// transparently to the caller.
func (c *GDBCore) exec(cmd string) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", err
	}
	data, err := c.recv()
	if err != nil {
		return "", err
	}

	justHalted := false
	if strings.HasPrefix(data, stopReply) {
		wasRunning := !c.halted
		c.halted = true
		justHalted = wasRunning
		c.sendack()
		c.log.Debug("unsolicited stop, retransmitting")
		if err := c.send(cmd); err != nil {
			return "", err
		}
		if data, err = c.recv(); err != nil {
			return "", err
		}
	}
	c.sendack()

	if justHalted {
		if err := c.continueTarget(); err != nil {
			return "", err
		}
	}

	if len(data) == 3 && data[0] == 'E' {
		return "", ProtocolError{Backend: c.server.String(), Cmd: cmd, Response: data}
	}
	return data, nil
}

// continueTarget resumes the target without waiting for a stop reply.
func (c *GDBCore) continueTarget() error {
	if err := c.send("c"); err != nil {
		return err
	}
	c.halted = false
	return nil
}

// interrupt sends the protocol's interrupt byte and consumes the resulting
// stop reply.
func (c *GDBCore) interrupt() error {
	c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout))
	if _, err := c.conn.Write([]byte{3}); err != nil {
		return err
	}
	data, err := c.recv()
	if err != nil {
		return err
	}
	c.sendack()
	if !strings.HasPrefix(data, stopReply) && !strings.HasPrefix(data, "T") {
		return ProtocolError{Backend: c.server.String(), Cmd: "interrupt", Response: data}
	}
	c.halted = true
	return nil
}

func (c *GDBCore) Info() string {
	return fmt.Sprintf("%s GDB server %s", c.server, c.conn.RemoteAddr())
}

func (c *GDBCore) ReadWord32(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := c.Read8(addr, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (c *GDBCore) Read8(addr uint32, buf []byte) error {
	if err := checkReadSize(len(buf)); err != nil {
		return err
	}

	// the reply is hex, so a packet carries at most packetSize/2 bytes
	chunk := (c.packetSize - 16) / 2
	if chunk < 4 {
		chunk = 4
	}
	for len(buf) > 0 {
		n := len(buf)
		if n > chunk {
			n = chunk
		}
		cmd := fmt.Sprintf("m%x,%x", addr, n)
		resp, err := c.exec(cmd)
		if err != nil {
			return err
		}
		if len(resp) != n*2 {
			return ProtocolError{Backend: c.server.String(), Cmd: cmd, Response: resp}
		}
		for i := 0; i < n; i++ {
			v, err := strconv.ParseUint(resp[i*2:i*2+2], 16, 8)
			if err != nil {
				return ProtocolError{Backend: c.server.String(), Cmd: cmd, Response: resp}
			}
			buf[i] = byte(v)
		}
		buf = buf[n:]
		addr += uint32(n)
	}
	return nil
}

// ReadReg reads one register. The reply is little-endian hex, 4 or 8 bytes
// wide; any other width is a protocol error.
func (c *GDBCore) ReadReg(r regs.Register) (uint64, error) {
	num, err := c.regnum(r)
	if err != nil {
		return 0, err
	}
	cmd := fmt.Sprintf("p%x", num)
	resp, err := c.exec(cmd)
	if err != nil {
		return 0, err
	}
	if len(resp) != 8 && len(resp) != 16 {
		return 0, ProtocolError{Backend: c.server.String(), Cmd: cmd, Response: resp}
	}
	var v uint64
	for i := 0; i < len(resp); i += 2 {
		b, err := strconv.ParseUint(resp[i:i+2], 16, 8)
		if err != nil {
			return 0, ProtocolError{Backend: c.server.String(), Cmd: cmd, Response: resp}
		}
		v |= b << (4 * i)
	}
	return v, nil
}

func (c *GDBCore) WriteReg(regs.Register, uint64) error {
	return CapabilityError{Backend: c.server.String() + " GDB", Op: "write a register"}
}

func (c *GDBCore) WriteWord32(uint32, uint32) error {
	return CapabilityError{Backend: c.server.String() + " GDB", Op: "write a word"}
}

func (c *GDBCore) Write8(uint32, []byte) error {
	return CapabilityError{Backend: c.server.String() + " GDB", Op: "write memory"}
}

// Halt and Run are direct: a Halt on a halted target and a Run on a running
// one are no-ops.
func (c *GDBCore) Halt() error {
	if c.halted {
		return nil
	}
	return c.interrupt()
}

func (c *GDBCore) Run() error {
	if !c.halted {
		return nil
	}
	return c.continueTarget()
}

// OpStart and OpDone nest: only the outermost bracket physically interrupts a
// running target, and only the matching OpDone resumes it.
func (c *GDBCore) OpStart() error {
	if c.nest.enter(!c.halted) {
		if err := c.interrupt(); err != nil {
			c.nest.abort()
			return err
		}
	}
	return nil
}

func (c *GDBCore) OpDone() error {
	if c.nest.exit() {
		return c.continueTarget()
	}
	return nil
}

// Step single-steps a halted target and consumes the stop reply.
func (c *GDBCore) Step() error {
	if !c.halted {
		return fmt.Errorf("target must be halted to step")
	}
	if err := c.send("s"); err != nil {
		return err
	}
	data, err := c.recv()
	if err != nil {
		return err
	}
	c.sendack()
	if !strings.HasPrefix(data, "T") && !strings.HasPrefix(data, "S") {
		return ProtocolError{Backend: c.server.String(), Cmd: "s", Response: data}
	}
	return nil
}

func (c *GDBCore) InitSWV() error {
	return CapabilityError{Backend: c.server.String() + " GDB", Op: "enable SWV"}
}

func (c *GDBCore) ReadSWV() ([]byte, error) {
	return nil, CapabilityError{Backend: c.server.String() + " GDB", Op: "read SWV"}
}

func (c *GDBCore) Load(string) error {
	return CapabilityError{Backend: c.server.String() + " GDB", Op: "flash an image"}
}

func (c *GDBCore) Reset() error {
	return CapabilityError{Backend: c.server.String() + " GDB", Op: "reset"}
}

func (c *GDBCore) IsDump() bool { return false }

// Detach restores the target's initial run state and closes the connection.
func (c *GDBCore) Detach() error {
	if !c.wasHalted && c.halted {
		if err := c.continueTarget(); err != nil {
			c.conn.Close()
			return err
		}
	}
	c.send("D")
	return c.conn.Close()
}
