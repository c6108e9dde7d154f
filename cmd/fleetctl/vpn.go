package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"titan/pkg/fleeterr"
	"titan/pkg/model"
	"titan/pkg/store"
)

var (
	kvBackend   string
	kvEndpoints []string
	vpnEpoch    string
)

var vpnCmd = &cobra.Command{
	Use:   "vpn",
	Short: "Overlay network commands",
}

// vpnStatusCmd 直接读共享存储，不经过协调器
var vpnStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the overlay bootstrap config and entry points",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := store.Open(store.Config{Backend: kvBackend, Endpoints: kvEndpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			return err
		}
		defer kv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var status struct {
			Claim       *model.BootstrapClaim  `json:"claim,omitempty"`
			Config      *model.BootstrapConfig `json:"config,omitempty"`
			EntryPoints []string               `json:"entry_points"`
		}
		var claim model.BootstrapClaim
		if err := store.GetJSON(ctx, kv, store.BootstrapClaimKey(vpnEpoch), &claim); err == nil {
			status.Claim = &claim
		} else if !errors.Is(err, fleeterr.ErrNotFound) {
			return err
		}
		var cfg model.BootstrapConfig
		if err := store.GetJSON(ctx, kv, store.BootstrapConfigKey(vpnEpoch), &cfg); err == nil {
			cfg.CACert = ""
			status.Config = &cfg
		} else if !errors.Is(err, fleeterr.ErrNotFound) {
			return err
		}
		eps, err := kv.GetList(ctx, store.EntryPointsKey(vpnEpoch))
		if err != nil && !errors.Is(err, fleeterr.ErrNotFound) {
			return err
		}
		status.EntryPoints = eps

		return render(cmd.OutOrStdout(), status, func(w io.Writer) {
			if status.Config == nil {
				fmt.Fprintf(w, "epoch %s: not bootstrapped\n", vpnEpoch)
				return
			}
			c := status.Config
			fmt.Fprintf(w, "epoch:        %s\n", vpnEpoch)
			fmt.Fprintf(w, "status:       %s\n", c.Status)
			fmt.Fprintf(w, "network:      %s\n", c.Network)
			fmt.Fprintf(w, "anchor:       %s (%s)\n", c.AnchorOverlayIP, c.AnchorPublicAddr)
			fmt.Fprintf(w, "next address: %d\n", c.NextAddress)
			fmt.Fprintf(w, "entry points: %s\n", strings.Join(status.EntryPoints, ", "))
		})
	},
}

func init() {
	vpnCmd.PersistentFlags().StringVar(&kvBackend, "kv-backend", envOr("FLEET_KV_BACKEND", "etcd"), "shared storage backend (etcd, consul)")
	vpnCmd.PersistentFlags().StringSliceVar(&kvEndpoints, "kv-endpoints", []string{"localhost:2379"}, "shared storage endpoints")
	vpnCmd.PersistentFlags().StringVar(&vpnEpoch, "epoch", "default", "bootstrap epoch")

	vpnCmd.AddCommand(vpnStatusCmd)
	rootCmd.AddCommand(vpnCmd)
}
