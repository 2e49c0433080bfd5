// The main package for the storefleet executable.
package main

import (
	"github.com/storefleet/storefleet/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
