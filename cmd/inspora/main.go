package main

import "inspora/cmd/cli"

func main() {
	cli.Execute()
}
