package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"titan/pkg/model"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List registered workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var workers []model.Worker
		if err := call(http.MethodGet, "/admin/workers", nil, &workers); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), workers, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTIER\tSTATUS\tLOAD\tSERVICES\tLAST HEARTBEAT\tENDPOINT")
			for _, wk := range workers {
				names := make([]string, 0, len(wk.AssignedServices))
				for _, s := range wk.AssignedServices {
					names = append(names, string(s.Name))
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%s ago\t%s\n",
					wk.ID, wk.Tier, wk.Status, wk.CurrentLoad, strings.Join(names, ","),
					time.Since(wk.LastHeartbeat).Round(time.Second), wk.Endpoint())
			}
			tw.Flush()
		})
	},
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Show which workers provide each service",
	RunE: func(cmd *cobra.Command, args []string) error {
		var services map[model.ServiceName][]string
		if err := call(http.MethodGet, "/admin/services", nil, &services); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), services, func(w io.Writer) {
			names := make([]string, 0, len(services))
			for name := range services {
				names = append(names, string(name))
			}
			sort.Strings(names)
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tREPLICAS\tWORKERS")
			for _, name := range names {
				ids := services[model.ServiceName(name)]
				fmt.Fprintf(tw, "%s\t%d\t%s\n", name, len(ids), strings.Join(ids, ","))
			}
			tw.Flush()
		})
	},
}

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Show service coverage gaps",
	RunE: func(cmd *cobra.Command, args []string) error {
		var gaps []model.Gap
		if err := call(http.MethodGet, "/admin/gaps", nil, &gaps); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), gaps, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVICE\tTIER\tPRIORITY\tCOVERAGE\tSTATUS")
			for _, g := range gaps {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", g.Service, g.Tier, g.Priority, g.CurrentCoverage, g.Status)
			}
			tw.Flush()
		})
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister <worker-id>",
	Short: "Remove a worker from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(http.MethodDelete, "/worker/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "worker %s unregistered\n", args[0])
		return nil
	},
}

var (
	broadcastPayload string
	broadcastPath    string
	broadcastMaxTier int
	broadcastGPU     bool
	broadcastMinRAM  int64
	broadcastMinCPU  int
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Fan a job out to every matching healthy worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		job := model.BroadcastJob{Path: broadcastPath, MaxTier: model.Tier(broadcastMaxTier)}
		if broadcastPayload != "" {
			if err := json.Unmarshal([]byte(broadcastPayload), &job.Payload); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
		}
		if broadcastGPU || broadcastMinRAM > 0 || broadcastMinCPU > 0 {
			job.Require = &model.CapabilityNeed{GPU: broadcastGPU, MinRAMGB: broadcastMinRAM, MinCPUCore: broadcastMinCPU}
		}

		var out struct {
			JobID   string                  `json:"job_id"`
			Results []model.BroadcastResult `json:"results"`
		}
		if err := call(http.MethodPost, "/broadcast-job", job, &out); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), out, func(w io.Writer) {
			fmt.Fprintf(w, "job %s sent to %d workers\n", out.JobID, len(out.Results))
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKER\tSTATUS\tERROR")
			for _, r := range out.Results {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", r.WorkerID, r.Status, r.Error)
			}
			tw.Flush()
		})
	},
}

func init() {
	broadcastCmd.Flags().StringVar(&broadcastPayload, "payload", "", "job payload as a JSON object")
	broadcastCmd.Flags().StringVar(&broadcastPath, "path", "", "path on the worker to POST to (default /jobs)")
	broadcastCmd.Flags().IntVar(&broadcastMaxTier, "max-tier", 0, "highest tier to include (default 2)")
	broadcastCmd.Flags().BoolVar(&broadcastGPU, "gpu", false, "only workers with a usable GPU")
	broadcastCmd.Flags().Int64Var(&broadcastMinRAM, "min-ram-gb", 0, "only workers with at least this much RAM")
	broadcastCmd.Flags().IntVar(&broadcastMinCPU, "min-cpu-cores", 0, "only workers with at least this many cores")

	rootCmd.AddCommand(workersCmd, servicesCmd, gapsCmd, unregisterCmd, broadcastCmd)
}
