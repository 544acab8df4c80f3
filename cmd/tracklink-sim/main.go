package main

import "github.com/wolfguard/tracklink/cmd/tracklink-sim/commands"

func main() {
	commands.Execute()
}
