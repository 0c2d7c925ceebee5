package main

import (
	"os"

	"github.com/overstory-ai/overstory/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
