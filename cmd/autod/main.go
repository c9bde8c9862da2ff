package main

import (
	"os"

	"github.com/macrodyne/autod/cmd/autod/commands"
)

func main() {
	os.Exit(commands.Execute())
}
