package main

import "github.com/ramiqadoumi/flowbus/services/eventbus/cli"

func main() {
	cli.Execute()
}
