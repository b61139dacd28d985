package main

import "github.com/jellyenderson/marzban-node-updater/cmd/marzban-node-updater/cmd"

func main() {
	cmd.Execute()
}
