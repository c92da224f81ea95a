package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tgcollect/pkg/models"
)

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Inspect and manage the proxy pool",
}

var proxiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proxies and their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		proxies, err := st.ListProxies()
		if err != nil {
			return err
		}
		if len(proxies) == 0 {
			fmt.Println("No proxies configured.")
			return nil
		}
		fmt.Printf("%-16s  %-28s  %-9s  %s\n", "ID", "ADDRESS", "HEALTH", "FAILURE STREAK")
		for _, p := range proxies {
			fmt.Printf("%-16s  %-28s  %-9s  %d\n", p.ID, p.Address, p.Health, p.FailureStreak)
		}
		return nil
	},
}

var proxiesRefreshCmd = &cobra.Command{
	Use:   "refresh [proxy-id]",
	Short: "Return dead proxies to rotation",
	Long: `Refresh resets a proxy's health to healthy and clears its failure
streak. This is the only way a dead proxy re-enters rotation. Without an
id, every proxy is refreshed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		proxies, err := st.ListProxies()
		if err != nil {
			return err
		}
		refreshed := 0
		for _, p := range proxies {
			if len(args) == 1 && p.ID != args[0] {
				continue
			}
			if err := st.SetProxyHealth(p.ID, models.ProxyHealthy, 0, time.Now()); err != nil {
				return err
			}
			refreshed++
		}
		if len(args) == 1 && refreshed == 0 {
			return fmt.Errorf("unknown proxy: %s", args[0])
		}
		fmt.Printf("Refreshed %d proxies.\n", refreshed)
		return nil
	},
}

func init() {
	proxiesCmd.AddCommand(proxiesListCmd)
	proxiesCmd.AddCommand(proxiesRefreshCmd)
	rootCmd.AddCommand(proxiesCmd)
}
