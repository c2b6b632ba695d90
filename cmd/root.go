package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/pjlink/cmd/gen"
	"github.com/luma/pjlink/internal/meta"
)

var rootCmd = &cobra.Command{
	Use:   "pjlink",
	Short: "Monitor and control PJLink projectors and displays",
	Long: `pjlink maintains a TCP session to a PJLink Class 1 or Class 2
device, polls its status into a flat property map and applies control
actions (power, input, mute, freeze, volume).`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := meta.GetInfo()
		fmt.Printf("pjlink %s (%s %s) %s %s\n",
			info.Version, info.Branch, info.Build, info.GoVersion, info.Platform)
	},
}

func init() {
	rootCmd.AddCommand(MonitorCmd)
	rootCmd.AddCommand(SimulateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
