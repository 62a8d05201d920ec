package main

import (
	"os"

	"github.com/BrandonDHaskell/portunus-nfc/cmd/portunus-server/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
