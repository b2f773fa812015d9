// slipbridgectl runs and inspects the slipbridge daemon.
package main

import "github.com/arelio/slipbridge/cmd/slipbridgectl/commands"

func main() {
	commands.Execute()
}
