package main

import "github.com/LENAX/node-engine/pkg/cli/cmd"

func main() {
	cmd.Execute()
}
