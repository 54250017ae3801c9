package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/encodeous/bativ/core"
	"github.com/encodeous/bativ/sim"
	"github.com/encodeous/bativ/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Simulate a mesh in memory",
	Long: `Runs several mesh instances in this process, connected by simulated links.
Without --graph the nodes form a line. Each graph line is "a, b" for a link between a and b, or "name = a, b, c" for a shared broadcast domain.`,
	Run: func(cmd *cobra.Command, args []string) {
		nodes, _ := cmd.Flags().GetInt("nodes")
		duration, _ := cmd.Flags().GetDuration("duration")
		loss, _ := cmd.Flags().GetFloat64("loss")
		graph, _ := cmd.Flags().GetStringArray("graph")
		verbose, _ := cmd.Flags().GetBool("verbose")

		if nodes < 2 {
			fmt.Println("Error: a simulation needs at least two nodes")
			os.Exit(1)
		}
		names := make([]string, nodes)
		for i := range names {
			names[i] = fmt.Sprintf("n%d", i)
		}
		if len(graph) == 0 {
			graph = state.LineTopology(names)
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger, _, err := core.NewLogger("sim", "", level)
		if err != nil {
			panic(err)
		}

		base := state.DefaultConfig()
		base.Workers = 1
		h, err := sim.FromGraph(base, nil, logger, names, graph)
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		if loss > 0 {
			for _, link := range h.Links {
				for _, a := range link.Nodes {
					for _, b := range link.Nodes {
						if a != b {
							h.Path(link.Name, a, b).WithPacketLoss(loss)
						}
					}
				}
			}
		}
		if err := h.Start(); err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(1)
		}
		defer h.Stop()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		start := time.Now()
		select {
		case <-ctx.Done():
		case <-time.After(duration):
		}
		printSimReport(h, time.Since(start))
	},
	GroupID: "bat",
}

type simRoute struct {
	To   string   `yaml:"to"`
	Path []string `yaml:"path"`
	TQ   uint8    `yaml:"tq"`
}

type simReport struct {
	Node        string               `yaml:"node"`
	Routes      []simRoute           `yaml:"routes"`
	Unreachable []string             `yaml:"unreachable,omitempty"`
	Counters    core.CounterSnapshot `yaml:"counters"`
}

func printSimReport(h *sim.VirtualHarness, elapsed time.Duration) {
	reports := make([]simReport, 0, len(h.Nodes))
	for _, n := range h.Nodes {
		r := simReport{Node: n.Name, Counters: n.Mesh.Counters.Snapshot()}
		for _, o := range h.Nodes {
			if o == n {
				continue
			}
			path, err := h.Trace(n.Name, o.Name)
			if err != nil {
				r.Unreachable = append(r.Unreachable, o.Name)
				continue
			}
			route := simRoute{To: o.Name, Path: path}
			if orig := n.Mesh.Topology.Originator(o.ID()); orig != nil {
				if router := orig.Router(state.IfaceDefault); router != nil {
					route.TQ = router.TQAvg(state.IfaceDefault)
				}
			}
			r.Routes = append(r.Routes, route)
		}
		reports = append(reports, r)
	}
	out, err := yaml.Marshal(reports)
	if err != nil {
		panic(err)
	}
	fmt.Print(string(out))
	fmt.Printf("# simulated %s, converged: %v\n", elapsed.Round(time.Millisecond), h.Converged())
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().IntP("nodes", "n", 5, "number of simulated nodes, named n0, n1, ...")
	simCmd.Flags().DurationP("duration", "d", 10*time.Second, "how long to run")
	simCmd.Flags().Float64P("loss", "l", 0, "packet loss applied to every link, in [0, 1]")
	simCmd.Flags().StringArrayP("graph", "g", nil, "link definitions, repeatable")
	simCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
