package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/runbox/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run <language> [file]",
	Short: "Run code and wait for the result",
	Long: `Run a snippet or a project and print its output.

Code is read from [file], or from stdin when no file is given. With
--project the stored project is run instead and no code is read.`,
	Example: `  rbx run python hello.py
  echo 'console.log(1+1)' | rbx run javascript
  rbx run python --project <id> --entry main.py`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, _ := cmd.Flags().GetString("project")
		entry, _ := cmd.Flags().GetString("entry")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		memory, _ := cmd.Flags().GetInt("memory")
		cpu, _ := cmd.Flags().GetFloat64("cpu")
		stdinFile, _ := cmd.Flags().GetString("stdin-file")
		detach, _ := cmd.Flags().GetBool("detach")

		req := types.ExecutionRequest{
			Language:   args[0],
			ProjectID:  projectID,
			Entrypoint: entry,
			Options: types.ExecutionOptions{
				TimeoutMs:     int(timeout.Milliseconds()),
				MemoryLimitMB: memory,
				CPUShare:      cpu,
			},
		}

		if projectID == "" {
			code, err := readSource(args[1:])
			if err != nil {
				return err
			}
			req.Code = code
		} else if err := requireOwner(); err != nil {
			return err
		}

		if stdinFile != "" {
			data, err := os.ReadFile(stdinFile)
			if err != nil {
				return fmt.Errorf("failed to read stdin file: %w", err)
			}
			req.Stdin = string(data)
		}

		c := newClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if detach {
			id, err := c.Submit(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			if wantJSON() {
				return printJSON(types.SubmitResponse{JobID: id, Status: types.JobStatusQueued})
			}
			fmt.Println(id)
			return nil
		}

		snap, err := c.Run(ctx, req)
		if err != nil {
			return fmt.Errorf("failed to run: %w", err)
		}
		return reportResult(snap)
	},
}

func readSource(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return string(data), nil
}

// reportResult prints a terminal job and turns a non-completed status
// into a non-zero exit.
func reportResult(snap *types.JobSnapshot) error {
	if wantJSON() {
		if err := printJSON(snap); err != nil {
			return err
		}
	} else {
		fmt.Print(snap.Output)
		if snap.Output != "" && snap.Output[len(snap.Output)-1] != '\n' {
			fmt.Println()
		}
		if snap.OutputTruncated {
			fmt.Fprintln(os.Stderr, "(output truncated)")
		}
		if snap.ErrorText != "" {
			fmt.Fprintln(os.Stderr, snap.ErrorText)
		}
	}
	if snap.Status != types.JobStatusCompleted {
		return fmt.Errorf("job %s %s", snap.ID, snap.Status)
	}
	return nil
}

func init() {
	runCmd.Flags().String("project", "", "Run a stored project instead of a snippet")
	runCmd.Flags().String("entry", "", "Entrypoint file for project runs")
	runCmd.Flags().Duration("timeout", 0, "Execution timeout (default: language default)")
	runCmd.Flags().Int("memory", 0, "Memory limit in MB (default: language default)")
	runCmd.Flags().Float64("cpu", 0, "CPU share (default: language default)")
	runCmd.Flags().String("stdin-file", "", "File whose contents are fed to the program's stdin")
	runCmd.Flags().BoolP("detach", "d", false, "Print the job ID and return without waiting")
	rootCmd.AddCommand(runCmd)
}
