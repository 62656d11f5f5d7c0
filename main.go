package main

import "nifty-terminal/internal/cli"

func main() {
	cli.Execute()
}
