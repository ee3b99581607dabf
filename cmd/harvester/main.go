package main

import (
	"os"

	"github.com/harvestq/harvestq/harvester"
)

func main() {
	if err := harvester.Run(); err != nil {
		os.Exit(1)
	}
}
