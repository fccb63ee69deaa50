package main

import (
	"os"

	"peerdrop/cli"
)

func main() {
	os.Exit(cli.Execute())
}
