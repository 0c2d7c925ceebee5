package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/web"
)

var dashboardAddr string

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the read-only web dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		addr := dashboardAddr
		if addr == "" {
			addr = a.cfg.Web.Addr
		}

		srv, err := web.NewServer(a.stateDir)
		if err != nil {
			return err
		}
		defer func() { _ = srv.Close() }()

		fmt.Printf("Dashboard on http://%s\n", addr)
		return srv.Run(addr)
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(dashboardCmd)
}
