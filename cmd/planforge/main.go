package main

import (
	"os"

	"github.com/randalmurphal/planforge/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
