package main

import (
	"os"

	"github.com/netbirdio/updates/client/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
