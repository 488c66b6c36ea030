package cmds

import (
	"debug/elf"
	"testing"
)

func TestCommandTree(t *testing.T) {
	root := New()
	want := map[string]bool{
		"registers": false,
		"halt":      false,
		"resume":    false,
		"reset":     false,
		"step":      false,
		"load":      false,
		"probes":    false,
	}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
	for _, flag := range []string{"probe", "chip", "dump", "arch", "log", "log-output"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("persistent flag %q not registered", flag)
		}
	}
}

func TestTargetArch(t *testing.T) {
	for name, machine := range map[string]elf.Machine{
		"arm":     elf.EM_ARM,
		"riscv32": elf.EM_RISCV,
		"riscv64": elf.EM_RISCV,
	} {
		archName = name
		a, err := targetArch()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if a.Machine() != machine {
			t.Errorf("%s selected machine %v", name, a.Machine())
		}
	}
	archName = "m68k"
	if _, err := targetArch(); err == nil {
		t.Error("unrecognized architecture accepted")
	}
	archName = "arm"
}
