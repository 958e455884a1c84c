package main

import (
	"os"

	"github.com/dusancv22/CC-Release-Monitor/cmd/ccmonitor/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
