package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/opensandbox/runbox/pkg/client"
)

var (
	baseURL    string
	apiKey     string
	ownerID    string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "rbx",
	Short: "runbox CLI - run code and manage projects from the command line",
	Long: `runbox CLI (rbx) talks to a runbox server.

It submits code for sandboxed execution, follows jobs to completion, and
manages projects: their files, dependencies and exported archives.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("RUNBOX_API_URL", "http://localhost:8080"), "runbox API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("RUNBOX_API_KEY"), "runbox API key")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner", os.Getenv("RUNBOX_OWNER_ID"), "owner ID sent with every request")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func newClient() *client.Client {
	var opts []client.Option
	if ownerID != "" {
		opts = append(opts, client.WithOwner(ownerID))
	}
	return client.NewClient(baseURL, apiKey, opts...)
}

func requireOwner() error {
	if ownerID == "" {
		return fmt.Errorf("owner ID is required. Set RUNBOX_OWNER_ID environment variable or use --owner flag")
	}
	return nil
}

// wantJSON is true when --json is set or stdout is not a terminal.
func wantJSON() bool {
	return jsonOutput || !term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
