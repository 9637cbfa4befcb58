package main

import (
	"os"

	"github.com/MEKXH/waybill/cmd/waybill/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
