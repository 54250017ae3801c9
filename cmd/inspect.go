package cmd

import (
	"fmt"
	"strings"

	"github.com/encodeous/bativ/core"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect <originators|neighbors|gateways|interfaces|counters> [args]",
	Aliases: []string{"i"},
	Short:   "Inspects the state of a running instance",
	Example: `  bativ inspect originators after 02:ba:00:01:00:00 limit 20
  bativ inspect counters`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 0 {
			_ = cmd.Usage()
			return
		}
		socket, _ := cmd.Flags().GetString("socket")
		result, err := core.IPCGet(socket, strings.Join(args, " "))
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		fmt.Print(result)
	},
	GroupID: "bat",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringP("socket", "s", DefaultSocketPath, "IPC socket of the running instance")
}
