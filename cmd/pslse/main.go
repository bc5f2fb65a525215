// File: cmd/pslse/main.go
// License: Apache-2.0
//
// pslse runs the simulated accelerator and drives it from the command line.

package main

func main() {
	Execute()
}
