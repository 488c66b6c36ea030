// Package cmds implements the humility command tree. Commands are thin: they
// attach a core through pkg/core, perform one operation and detach. All
// target knowledge lives in the core and arch packages.
package cmds

import (
	"debug/elf"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rivosinc/humility/pkg/arch"
	"github.com/rivosinc/humility/pkg/config"
	"github.com/rivosinc/humility/pkg/core"
	"github.com/rivosinc/humility/pkg/image"
	"github.com/rivosinc/humility/pkg/logflags"
	"github.com/rivosinc/humility/pkg/regs"
)

var (
	// probeSpec is the probe specifier; see core.Attach.
	probeSpec string
	// chip is the chip identifier passed to the probe driver.
	chip string
	// dumpPath, when set, attaches to a core dump instead of a live
	// target.
	dumpPath string
	// archName selects the architecture descriptor when no image model
	// provides one.
	archName string
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should
	// produce debug output.
	logOutput string

	conf *config.Config

	// probeDriver is the vendor probe driver, registered by the platform
	// build. Without one only the network and dump backends attach.
	probeDriver core.ProbeDriver
)

// RegisterProbeDriver installs the vendor probe driver used for "usb" and
// selector attachment.
func RegisterProbeDriver(d core.ProbeDriver) {
	probeDriver = d
}

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "humility",
		Short: "Humility is a debugger for embedded firmware targets.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput)
		},
		SilenceUsage: true,
	}

	defaultProbe := conf.Probe
	if defaultProbe == "" {
		defaultProbe = "auto"
	}
	rootCommand.PersistentFlags().StringVarP(&probeSpec, "probe", "p", defaultProbe,
		"Probe specifier: usb, usb-N, ocd, ocdgdb, jlink, qemu, qemu-PORT, auto, or vid:pid[:serial].")
	rootCommand.PersistentFlags().StringVarP(&chip, "chip", "c", conf.Chip,
		"Chip identifier passed to the probe driver.")
	rootCommand.PersistentFlags().StringVarP(&dumpPath, "dump", "d", "",
		"Operate on the specified core dump instead of a live target.")
	rootCommand.PersistentFlags().StringVar(&archName, "arch", "arm",
		"Target architecture (arm, riscv32, riscv64).")
	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "",
		"Comma separated list of components that should produce debug output (attach,gdbwire,openocd,probe,unwind).")

	rootCommand.AddCommand(
		registersCommand(),
		haltCommand(),
		resumeCommand(),
		resetCommand(),
		stepCommand(),
		loadCommand(),
		probesCommand(),
	)
	return rootCommand
}

func targetArch() (arch.Arch, error) {
	switch archName {
	case "arm":
		return arch.FromELF(elf.EM_ARM, elf.ELFCLASS32)
	case "riscv32":
		return arch.FromELF(elf.EM_RISCV, elf.ELFCLASS32)
	case "riscv64":
		return arch.FromELF(elf.EM_RISCV, elf.ELFCLASS64)
	}
	return nil, fmt.Errorf("unrecognized architecture %q", archName)
}

// bareImage satisfies the image contract when no firmware archive is in
// hand: no symbols, no register snapshot.
type bareImage struct{}

func (bareImage) LookupSymWord(name string) (uint32, error) {
	return 0, fmt.Errorf("no image to look up %s in", name)
}

func (bareImage) Target() string                          { return "" }
func (bareImage) HasFeature(string) bool                  { return false }
func (bareImage) DumpRegisters() map[regs.Register]uint64 { return nil }

var _ image.Info = bareImage{}

// attach connects to the target selected by the persistent flags.
func attach(a arch.Arch) (core.Core, error) {
	if dumpPath != "" {
		return core.AttachDump(dumpPath, bareImage{})
	}
	return core.Attach(probeSpec, core.AttachConfig{
		Driver:         probeDriver,
		Chip:           chip,
		GenericChip:    a.GenericChip(),
		AlwaysReadable: a.UnhaltedReadWindows(),
		OpenOCDAddr:    conf.OpenOCDAddr,
		GDBHost:        conf.GDBHost,
		ConnectTimeout: conf.ConnectTimeout(),
		IOTimeout:      conf.IOTimeout(),
	})
}

// run wraps a command body with attachment and error reporting.
func run(body func(c core.Core, a arch.Arch) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := targetArch()
		if err != nil {
			return err
		}
		c, err := attach(a)
		if err != nil {
			return err
		}
		return body(c, a)
	}
}

func registersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "registers",
		Short: "Print the target's registers.",
		Long: `Print every modeled register of the target architecture. Registers the
backend cannot read (absent from a dump, or not exposed by the transport) are
skipped.`,
		RunE: run(func(c core.Core, a arch.Arch) error {
			defer c.Detach()
			if err := c.OpStart(); err != nil {
				return err
			}
			defer c.OpDone()

			for _, r := range a.AllRegisters() {
				v, err := c.ReadReg(r)
				if err != nil {
					continue
				}
				fmt.Printf("%10s = %s\n", r, regs.Describe(r, v, a.Bits()))
			}
			return nil
		}),
	}
}

func haltCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Halt the target.",
		RunE: run(func(c core.Core, a arch.Arch) error {
			if err := c.Halt(); err != nil {
				return err
			}
			fmt.Println("core halted")
			// no Detach: detaching restores the pre-attach run state
			return nil
		}),
	}
}

func resumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume a halted target.",
		RunE: run(func(c core.Core, a arch.Arch) error {
			defer c.Detach()
			if err := c.Run(); err != nil {
				return err
			}
			fmt.Println("core resumed")
			return nil
		}),
	}
}

func resetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the target.",
		RunE: run(func(c core.Core, a arch.Arch) error {
			defer c.Detach()
			return c.Reset()
		}),
	}
}

func stepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "step",
		Short: "Single-step a halted target.",
		RunE: run(func(c core.Core, a arch.Arch) error {
			defer c.Detach()
			if err := c.Step(); err != nil {
				return err
			}
			v, err := c.ReadReg(a.PC())
			if err != nil {
				return err
			}
			fmt.Printf("stopped at %#08x\n", v)
			return nil
		}),
	}
}

func loadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load image",
		Short: "Flash an image onto the target.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := targetArch()
			if err != nil {
				return err
			}
			c, err := attach(a)
			if err != nil {
				return err
			}
			defer c.Detach()
			return c.Load(args[0])
		},
	}
}

func probesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probes",
		Short: "List attached debug probes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if probeDriver == nil {
				return fmt.Errorf("no probe driver available")
			}
			probes, err := probeDriver.List()
			if err != nil {
				return err
			}
			if len(probes) == 0 {
				fmt.Fprintln(os.Stderr, "no debug probe found; is it plugged in?")
				return nil
			}
			for i, p := range probes {
				fmt.Printf("usb-%d: %s VID %04x PID %04x", i, p.Identifier, p.VendorID, p.ProductID)
				if p.SerialNumber != "" {
					fmt.Printf(" serial %s", p.SerialNumber)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
