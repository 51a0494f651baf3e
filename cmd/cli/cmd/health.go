package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		h, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("failed to get health: %w", err)
		}
		if wantJSON() {
			if err := printJSON(h); err != nil {
				return err
			}
		} else {
			state := "healthy"
			if !h.Healthy {
				state = "unhealthy"
			}
			fmt.Printf("Status: %s\n", state)
			fmt.Printf("  Backend: %s\n", h.Backend)
			fmt.Printf("  Workers: %d (%d active, %d queued)\n", h.PoolSize, h.ActiveJobs, h.QueuedJobs)
			fmt.Printf("  Languages: %s\n", strings.Join(h.SupportedLanguages, ", "))
			if h.Detail != "" {
				fmt.Printf("  Detail: %s\n", h.Detail)
			}
		}
		if !h.Healthy {
			return fmt.Errorf("server is unhealthy")
		}
		return nil
	},
}

var langsCmd = &cobra.Command{
	Use:   "langs",
	Short: "List supported languages",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		langs, err := c.Languages(ctx)
		if err != nil {
			return fmt.Errorf("failed to list languages: %w", err)
		}
		if wantJSON() {
			return printJSON(langs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tIMAGE\tTIMEOUT\tMEMORY\tCPU")
		for _, l := range langs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%dMB\t%.2f\n",
				l.ID, l.DisplayName, l.Image, l.DefaultTimeoutMs, l.DefaultMemoryMB, l.DefaultCPUShare)
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(langsCmd)
}
