package main

import (
	"os"

	"minima/internal/cli"
)

func main() { os.Exit(cli.Main()) }
