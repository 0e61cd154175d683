package main

import (
	"os"

	"github.com/cimillas/ultimate-ticket/services/tickets/cmd/tickets/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
