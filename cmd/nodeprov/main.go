// Command nodeprov provisions a GPU node through driver installation,
// container runtime setup and validation, resuming across reboots.
package main

import (
	"os"

	"github.com/roach88/nodeprov/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], nil))
}
