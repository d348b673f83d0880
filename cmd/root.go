// Package cmd implements the capture-agent CLI using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "capture-agent",
	Short:   "Programmable on-host packet capture service",
	Version: "0.1.0",
	Long: `capture-agent is an on-host packet capture daemon controlled over HTTP.

It accepts capture requests scoped by interface, process, PID, or
container, derives BPF filters automatically from the target's listening
ports, applies an optional PDEF application-protocol filter via a bytecode
VM, rotates pcap output, batch-compresses rotated files, and can
self-trigger captures when the sampler observes a CPU/memory/network
threshold crossing.`,
}

// Execute runs the root command. Called once from main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/capture-agent/config.json",
		"main config file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateConfigCmd)
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
