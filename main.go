package main

import "mcpgateway/cmd"

func main() {
	cmd.Execute()
}
