package main

import (
	"os"

	"github.com/rivosinc/humility/cmd/humility/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
