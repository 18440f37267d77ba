// Command taskrunner runs named tasks from a task file. Every command runs
// under a broker process, which is this binary re-executed in broker mode.
package main

import (
	"fmt"
	"os"

	"github.com/nixpig/taskrunner/internal/broker"
)

const version = "0.0.1"

func main() {
	// Broker mode must be entered before anything else touches fd 3 or
	// installs signal handlers.
	if broker.IsBroker() {
		os.Exit(broker.Main())
	}

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		os.Exit(1)
	}
}
