package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"icc.tech/capture-agent/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load the config file and report any errors without starting the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		g, err := config.Load(configFile)
		if err != nil {
			exitWithError("config invalid", err)
			return
		}
		snap := config.BuildSnapshot(g)
		fmt.Printf("config OK: %s\n", configFile)
		fmt.Printf("  bind_addr=%s port=%d workers=%d capture_threads=%d\n",
			g.Server.BindAddr, g.Server.Port, g.Server.Workers, g.Server.CaptureThreads)
		fmt.Printf("  base_dir=%s archive_dir=%s max_concurrent_captures=%d\n",
			snap.BaseDir, snap.ArchiveDir, snap.MaxConcurrentCaptures)
		fmt.Printf("  config_hash=%08x protocols=%d\n", snap.ConfigHash, len(snap.Protocols))
	},
}
