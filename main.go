package main

import "dsc-engine/internal/cli"

func main() {
	cli.Execute()
}
