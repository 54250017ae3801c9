package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/encodeous/bativ/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:     "new [name] [iface=addr[@device]]...",
	Short:   "Create a node configuration",
	Example: `  bativ new node1 eth0=02:ba:00:00:00:01 wlan0=02:ba:00:00:00:02 -o bativ.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) < 2 {
			_ = cmd.Usage()
			return
		}
		cfg := state.DefaultConfig()
		cfg.Name = args[0]
		for _, arg := range args[1:] {
			itf, err := parseIfaceArg(arg)
			if err != nil {
				fmt.Println("Error:", err.Error())
				os.Exit(1)
			}
			cfg.Interfaces = append(cfg.Interfaces, itf)
		}
		cfg.Transport.Type, _ = cmd.Flags().GetString("transport")
		if broker, _ := cmd.Flags().GetString("broker"); broker != "" {
			cfg.Transport.Mqtt = &state.MqttCfg{Broker: broker}
		}
		if baud, _ := cmd.Flags().GetInt("baud"); baud != 0 {
			cfg.Transport.Serial = &state.SerialCfg{BaudRate: baud}
		}
		cfg.IPCSocket, _ = cmd.Flags().GetString("socket")

		if err := state.ConfigValidator(&cfg); err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		out, err := yaml.Marshal(&cfg)
		if err != nil {
			panic(err)
		}
		outPath, _ := cmd.Flags().GetString("output")
		if outPath == "-" {
			fmt.Print(string(out))
			return
		}
		err = os.WriteFile(outPath, out, 0600)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "init",
}

func parseIfaceArg(arg string) (state.InterfaceCfg, error) {
	var itf state.InterfaceCfg
	name, addr, ok := strings.Cut(arg, "=")
	if !ok {
		return itf, fmt.Errorf("%s must be written as iface=addr", arg)
	}
	addr, itf.Device, _ = strings.Cut(addr, "@")
	id, err := state.ParseNodeID(addr)
	if err != nil {
		return itf, fmt.Errorf("interface %s: %w", name, err)
	}
	itf.Name = name
	itf.Addr = id
	return itf, nil
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringP("output", "o", DefaultConfigPath, "config output file path, - for stdout")
	newCmd.Flags().StringP("transport", "t", "raw", "transport to use: raw, mqtt or serial")
	newCmd.Flags().String("broker", "", "MQTT broker url, for the mqtt transport")
	newCmd.Flags().Int("baud", 0, "baud rate, for the serial transport")
	newCmd.Flags().StringP("socket", "s", DefaultSocketPath, "IPC socket path")
}
