package main

import (
	"os"

	"github.com/psantana5/ec14-supervisor/cmd/ec14/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
