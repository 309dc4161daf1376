package main

import (
	"os"

	"github.com/sofmeright/stagecraft/src/cli/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
