// The main package for the ledi-watcher executable.
package main

import (
	"github.com/JakeFAU/ledi-watcher/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
