package main

import (
	"github.com/shizukutanaka/Komainu/cmd/komainu/commands"
)

func main() {
	commands.Execute()
}
