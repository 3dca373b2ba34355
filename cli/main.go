package main

import "github.com/satchel-vault/satchel/cli/cmd"

func main() {
	cmd.Execute()
}
