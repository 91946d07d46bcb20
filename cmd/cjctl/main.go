package main

import "github.com/ent0n29/cj/internal/cli"

func main() {
	cli.Execute()
}
