package main

import "github.com/claude-code-web/agentmux/cmd"

func main() {
	cmd.Execute()
}
