package main

import "github.com/dantte-lp/gotc/cmd/gotcctl/commands"

func main() {
	commands.Execute()
}
