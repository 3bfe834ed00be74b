// The main package for the realtime-911 executable.
package main

import (
	"github.com/JakeFAU/realtime-911/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
