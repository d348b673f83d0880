// Command capture-agent runs the on-host packet capture daemon.
package main

import (
	"fmt"
	"os"

	"icc.tech/capture-agent/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
