package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"proj"},
	Short:   "Manage projects",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return requireOwner()
	},
}

func projectContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name> <language>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := projectContext()
		defer cancel()

		p, err := newClient().CreateProject(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}
		if wantJSON() {
			return printJSON(p)
		}
		fmt.Printf("✓ Project %s created\n", p.ID)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List your projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := projectContext()
		defer cancel()

		projects, err := newClient().ListProjects(ctx)
		if err != nil {
			return fmt.Errorf("failed to list projects: %w", err)
		}
		if wantJSON() {
			return printJSON(projects)
		}
		if len(projects) == 0 {
			fmt.Println("No projects found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tLANGUAGE\tFILES\tDEPS\tUPDATED")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				p.ID, p.Name, p.Language, p.FileCount, len(p.Dependencies), p.UpdatedAt.Format(time.RFC3339))
		}
		w.Flush()
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "rm <project-id>",
	Short: "Delete a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := projectContext()
		defer cancel()

		if err := newClient().DeleteProject(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete project: %w", err)
		}
		fmt.Printf("✓ Project %s deleted\n", args[0])
		return nil
	},
}

var projectFilesCmd = &cobra.Command{
	Use:   "files <project-id>",
	Short: "List a project's files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := projectContext()
		defer cancel()

		files, err := newClient().ListFiles(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list files: %w", err)
		}
		if wantJSON() {
			return printJSON(files)
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	},
}

var projectPutCmd = &cobra.Command{
	Use:   "put <project-id> <name> [local-file]",
	Short: "Create or replace a project file",
	Long:  "Upload a file into a project. Content comes from [local-file], or stdin when omitted.",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := readSource(args[2:])
		if err != nil {
			return err
		}

		ctx, cancel := projectContext()
		defer cancel()

		if err := newClient().WriteFile(ctx, args[0], args[1], content); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		fmt.Printf("✓ Wrote %s (%d bytes)\n", args[1], len(content))
		return nil
	},
}

var projectCatCmd = &cobra.Command{
	Use:   "cat <project-id> <name>",
	Short: "Print a project file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := projectContext()
		defer cancel()

		content, err := newClient().ReadFile(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		fmt.Print(content)
		return nil
	},
}

var projectDelFileCmd = &cobra.Command{
	Use:   "del <project-id> <name>",
	Short: "Delete a project file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := projectContext()
		defer cancel()

		if err := newClient().DeleteFile(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to delete file: %w", err)
		}
		fmt.Printf("✓ Deleted %s\n", args[1])
		return nil
	},
}

var projectDepCmd = &cobra.Command{
	Use:   "dep <project-id> <name> [version]",
	Short: "Add or update a dependency",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		version := "latest"
		if len(args) == 3 {
			version = args[2]
		}

		ctx, cancel := projectContext()
		defer cancel()

		if err := newClient().AddDependency(ctx, args[0], args[1], version); err != nil {
			return fmt.Errorf("failed to add dependency: %w", err)
		}
		fmt.Printf("✓ %s@%s added\n", args[1], version)
		return nil
	},
}

var projectUndepCmd = &cobra.Command{
	Use:   "undep <project-id> <name>",
	Short: "Remove a dependency",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := projectContext()
		defer cancel()

		if err := newClient().RemoveDependency(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("failed to remove dependency: %w", err)
		}
		fmt.Printf("✓ %s removed\n", args[1])
		return nil
	},
}

var projectManifestCmd = &cobra.Command{
	Use:   "manifest <project-id>",
	Short: "Print the rendered dependency manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := projectContext()
		defer cancel()

		m, err := newClient().Manifest(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to render manifest: %w", err)
		}
		if wantJSON() {
			return printJSON(m)
		}
		fmt.Printf("# %s\n%s", m.Filename, m.Content)
		return nil
	},
}

var projectExportCmd = &cobra.Command{
	Use:   "export <project-id>",
	Short: "Export a project to the archive store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		a, err := newClient().ExportProject(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to export project: %w", err)
		}
		if wantJSON() {
			return printJSON(a)
		}
		fmt.Printf("✓ Exported to %s (%d bytes)\n", a.Key, a.Size)
		return nil
	},
}

var projectImportCmd = &cobra.Command{
	Use:   "import <archive-key>",
	Short: "Import a project from the archive store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		p, err := newClient().ImportProject(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to import project: %w", err)
		}
		if wantJSON() {
			return printJSON(p)
		}
		fmt.Printf("✓ Project %s imported (%d files)\n", p.ID, len(p.Files))
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	projectCmd.AddCommand(projectFilesCmd)
	projectCmd.AddCommand(projectPutCmd)
	projectCmd.AddCommand(projectCatCmd)
	projectCmd.AddCommand(projectDelFileCmd)
	projectCmd.AddCommand(projectDepCmd)
	projectCmd.AddCommand(projectUndepCmd)
	projectCmd.AddCommand(projectManifestCmd)
	projectCmd.AddCommand(projectExportCmd)
	projectCmd.AddCommand(projectImportCmd)
	rootCmd.AddCommand(projectCmd)
}
