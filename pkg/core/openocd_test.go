package core

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rivosinc/humility/pkg/regs"
)

func TestParseArrayDump(t *testing.T) {
	buf := make([]byte, 2)
	if err := parseArrayDump("0 0x41 1 0x42", buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0x41 || buf[1] != 0x42 {
		t.Errorf("parsed %x, want 4142", buf)
	}

	// Tcl sorts array indices alphabetically, not numerically
	buf = make([]byte, 11)
	dump := "0 0x00 1 0x01 10 0x0a 2 0x02 3 0x03 4 0x04 5 0x05 6 0x06 7 0x07 8 0x08 9 0x09"
	if err := parseArrayDump(dump, buf); err != nil {
		t.Fatal(err)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("index %d parsed as %#x", i, buf[i])
		}
	}

	for _, tc := range []struct {
		name string
		resp string
		n    int
	}{
		{"missing index", "0 0x41 2 0x43", 3},
		{"missing trailing index", "0 0x41", 2},
		{"duplicate index", "0 0x41 0 0x42", 2},
		{"index out of range", "0 0x41 2 0x42", 2},
		{"negative index", "-1 0x41 0 0x42", 2},
		{"odd field count", "0 0x41 1", 2},
		{"bad index", "zero 0x41 1 0x42", 2},
		{"bad value", "0 0x141 1 0x42", 2},
		{"value out of byte range", "0 0x100 1 0x42", 2},
	} {
		if err := parseArrayDump(tc.resp, make([]byte, tc.n)); err == nil {
			t.Errorf("%s: %q accepted", tc.name, tc.resp)
		}
	}
}

func TestDecodeTraceData(t *testing.T) {
	data, err := decodeTraceData("48690d0a")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("Hi\r\n")) {
		t.Errorf("decoded %x", data)
	}
	if _, err := decodeTraceData("48690d0"); err == nil {
		t.Error("odd-length trace data accepted")
	}
	if _, err := decodeTraceData("48zz"); err == nil {
		t.Error("non-hex trace data accepted")
	}
	if data, err := decodeTraceData(""); err != nil || len(data) != 0 {
		t.Errorf("empty trace data: %x, %v", data, err)
	}
}

// ocdStub is a scripted Tcl-RPC server. handle maps a received command to its
// response; the stub records every command.
type ocdStub struct {
	ln     net.Listener
	handle func(cmd string) string

	mu       sync.Mutex
	commands []string
}

func newOCDStub(t *testing.T, curstate string) *ocdStub {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &ocdStub{ln: ln}
	s.handle = func(cmd string) string {
		switch {
		case cmd == "version":
			return "Open On-Chip Debugger 0.11.0"
		case strings.HasPrefix(cmd, "set targ"):
			return ""
		case cmd == "$targ curstate":
			return curstate
		case cmd == "halt", cmd == "resume":
			return ""
		case strings.HasPrefix(cmd, "mrw "):
			return "0x12345678"
		case cmd == "array unset output":
			return ""
		case strings.HasPrefix(cmd, "mem2array "):
			return ""
		case cmd == "return $output":
			return "0 0x41 1 0x42 2 0x43 3 0x44"
		case strings.HasPrefix(cmd, "reg "):
			return "xpsr (/32): 0x81000003"
		case strings.HasPrefix(cmd, "mww "):
			return ""
		}
		return "invalid command name \"" + cmd + "\""
	}
	t.Cleanup(func() { ln.Close() })
	go s.serve()
	return s
}

func (s *ocdStub) addr() string { return s.ln.Addr().String() }

func (s *ocdStub) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *ocdStub) count(cmd string) int {
	n := 0
	for _, c := range s.received() {
		if c == cmd {
			n++
		}
	}
	return n
}

func (s *ocdStub) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	rdr := bufio.NewReader(conn)
	for {
		cmd, err := rdr.ReadString(openocdDelimiter)
		if err != nil {
			return
		}
		cmd = strings.TrimSuffix(cmd, string(rune(openocdDelimiter)))
		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		s.mu.Unlock()
		fmt.Fprintf(conn, "%s%c", s.handle(cmd), openocdDelimiter)
	}
}

func attachOCDStub(t *testing.T, curstate string) (*OpenOCDCore, *ocdStub) {
	stub := newOCDStub(t, curstate)
	c, err := AttachOpenOCD(stub.addr(), time.Second, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Detach() })
	return c, stub
}

func TestOpenOCDAttach(t *testing.T) {
	c, _ := attachOCDStub(t, "halted")
	if !c.halted || !c.wasHalted {
		t.Error("curstate halted not recorded")
	}

	c, _ = attachOCDStub(t, "running")
	if c.halted || c.wasHalted {
		t.Error("curstate running not recorded")
	}
}

func TestOpenOCDNestedBrackets(t *testing.T) {
	c, stub := attachOCDStub(t, "running")

	read := func() error {
		_, err := c.ReadWord32(0x2000_0000)
		return err
	}
	for _, op := range []func() error{c.OpStart, c.OpStart, read, c.OpDone, c.OpDone} {
		if err := op(); err != nil {
			t.Fatal(err)
		}
	}
	if n := stub.count("halt"); n != 1 {
		t.Errorf("nested brackets issued %d halts, want 1", n)
	}
	if n := stub.count("resume"); n != 1 {
		t.Errorf("nested brackets issued %d resumes, want 1", n)
	}
	if c.halted {
		t.Error("target left halted after the outermost bracket closed")
	}
}

func TestOpenOCDBracketsOnHaltedTarget(t *testing.T) {
	c, stub := attachOCDStub(t, "halted")

	if _, err := c.ReadWord32(0x2000_0000); err != nil {
		t.Fatal(err)
	}
	if n := stub.count("halt") + stub.count("resume"); n != 0 {
		t.Errorf("reads on a halted target issued %d halt/resume commands", n)
	}
}

func TestOpenOCDReadWord32(t *testing.T) {
	c, stub := attachOCDStub(t, "halted")
	v, err := c.ReadWord32(0x0800_0000)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x12345678 {
		t.Errorf("ReadWord32 = %#x, want 0x12345678", v)
	}
	found := false
	for _, cmd := range stub.received() {
		if cmd == "mrw 0x8000000" {
			found = true
		}
	}
	if !found {
		t.Errorf("mrw command not issued: %v", stub.received())
	}
}

func TestOpenOCDRead8(t *testing.T) {
	c, _ := attachOCDStub(t, "halted")
	buf := make([]byte, 4)
	if err := c.Read8(0x2000_0000, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, []byte{0x41, 0x42, 0x43, 0x44}) {
		t.Errorf("Read8 = %x, want 41424344", buf)
	}
}

func TestOpenOCDReadReg(t *testing.T) {
	c, _ := attachOCDStub(t, "halted")
	v, err := c.ReadReg(regs.Arm(regs.ARM_PSR))
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x81000003 {
		t.Errorf("ReadReg = %#x, want 0x81000003", v)
	}
}

func TestOpenOCDCommandError(t *testing.T) {
	c, _ := attachOCDStub(t, "halted")
	if err := c.Load("app.elf"); err == nil {
		t.Error("unknown command accepted")
	}
	var cerr CapabilityError
	if err := c.Write8(0, []byte{1}); !errors.As(err, &cerr) {
		t.Errorf("Write8 returned %v, want CapabilityError", err)
	}
	if err := c.Step(); !errors.As(err, &cerr) {
		t.Errorf("Step returned %v, want CapabilityError", err)
	}
}

func TestOpenOCDDetachResumes(t *testing.T) {
	c, stub := attachOCDStub(t, "running")
	if err := c.Halt(); err != nil {
		t.Fatal(err)
	}
	// detach with the bracket still open: the target was running when we
	// attached, so it must be resumed
	if err := c.Detach(); err != nil {
		t.Fatal(err)
	}
	if n := stub.count("resume"); n != 1 {
		t.Errorf("detach issued %d resumes, want 1", n)
	}
}
