package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/runbox/pkg/types"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and control submitted jobs",
}

var jobGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		snap, err := c.GetJob(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		if wantJSON() {
			return printJSON(snap)
		}
		printJob(snap)
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		snap, err := c.CancelJob(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		if wantJSON() {
			return printJSON(snap)
		}
		fmt.Printf("✓ Job %s cancelled\n", snap.ID)
		return nil
	},
}

var jobWaitCmd = &cobra.Command{
	Use:   "wait <job-id>",
	Short: "Wait for a job to finish and print its output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		c := newClient()
		ctx, cancel := context.WithTimeout(context.Background(), timeout+30*time.Second)
		defer cancel()

		deadline := time.Now().Add(timeout)
		for {
			remaining := time.Until(deadline)
			if remaining > time.Minute {
				remaining = time.Minute
			}
			snap, err := c.WaitJob(ctx, args[0], remaining)
			if err != nil {
				return fmt.Errorf("failed to wait for job: %w", err)
			}
			if snap.Status.Terminal() {
				return reportResult(snap)
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("job %s still %s after %s", snap.ID, snap.Status, timeout)
			}
		}
	},
}

func printJob(snap *types.JobSnapshot) {
	fmt.Printf("Job: %s\n", snap.ID)
	fmt.Printf("  Language: %s\n", snap.Language)
	if snap.ProjectID != "" {
		fmt.Printf("  Project: %s\n", snap.ProjectID)
	}
	fmt.Printf("  Status: %s\n", snap.Status)
	if snap.ExitCode != nil {
		fmt.Printf("  Exit code: %d\n", *snap.ExitCode)
	}
	if snap.Attempts > 1 {
		fmt.Printf("  Attempts: %d\n", snap.Attempts)
	}
	fmt.Printf("  Limits: %dms, %dMB, %.2f CPU\n", snap.TimeoutMs, snap.MemoryLimitMB, snap.CPUShare)
	fmt.Printf("  Created: %s\n", snap.CreatedAt.Format(time.RFC3339))
	if snap.Status.Terminal() {
		fmt.Printf("  Duration: %dms\n", snap.DurationMs)
	}
	if snap.ErrorText != "" {
		fmt.Printf("  Error: %s\n", snap.ErrorText)
	}
	if snap.Output != "" {
		fmt.Printf("  Output:\n%s\n", snap.Output)
	}
}

func init() {
	jobWaitCmd.Flags().Duration("timeout", 5*time.Minute, "Give up after this long")

	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobWaitCmd)
	rootCmd.AddCommand(jobCmd)
}
