package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/bativ/core"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run bativ",
	Long:  `This will run a mesh instance on the current host. The raw transport needs CAP_NET_RAW.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfgPath, _ := cmd.Flags().GetString("config")
		logPath, _ := cmd.Flags().GetString("log")
		debugAddr, _ := cmd.Flags().GetString("debug")
		verbose, _ := cmd.Flags().GetBool("verbose")

		err := core.Bootstrap(cfgPath, logPath, verbose, debugAddr)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err.Error())
			os.Exit(1)
		}
	},
	GroupID: "bat",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", DefaultConfigPath, "Path to the config file")
	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().String("log", "", "Also write logs to this file")
	runCmd.Flags().String("debug", "", "Serve /debug/metrics on this address, e.g. localhost:6060")
}
