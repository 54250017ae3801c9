package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

const (
	DefaultConfigPath = "/etc/bativ/bativ.yaml"
	DefaultSocketPath = "/run/bativ.sock"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bativ",
	Short: "B.A.T.M.A.N. IV mesh routing daemon",
	Long: `bativ runs the B.A.T.M.A.N. IV originator message protocol.
Every node floods periodic originator messages, learns the quality of every path from how many of them arrive, and routes towards each originator through the neighbor with the best transmission quality.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Configure bativ",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "bat",
		Title: "bativ Commands",
	})
}
