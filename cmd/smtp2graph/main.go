package main

import (
	"github.com/busybox42/smtp2graph/cmd/smtp2graph/commands"
)

func main() {
	commands.Execute()
}
