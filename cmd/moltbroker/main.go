package main

import "github.com/moltbot/moltbroker/cmd/moltbroker/cmd"

func main() {
	cmd.Execute()
}
