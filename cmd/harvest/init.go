package main

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nao1215/consoleharvest/internal/config"
)

//go:embed templates/harvest.yaml
var configTemplate embed.FS

// templatePath is the template's path inside configTemplate.
const templatePath = "templates/harvest.yaml"

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a .harvest.yaml flow file",
		Long: `Initialize creates a .harvest.yaml flow file in the current directory.

The generated file contains one example flow with every option documented:
authentication, request and response shape, paging, retries and outputs.

Examples:
  # Create .harvest.yaml in the current directory
  harvest init

  # Create the flow file at a specific path
  harvest init -o flows/acme.yaml

  # Force overwrite existing file
  harvest init -f`,
		Args: cobra.NoArgs,
		RunE: runInitCmd,
	}

	cmd.Flags().StringP("output", "o", config.DefaultConfigFile,
		"Output file path for the flow file")
	cmd.Flags().BoolP("force", "f", false,
		"Overwrite existing flow file")

	return cmd
}

// runInitCmd executes the init command.
func runInitCmd(cmd *cobra.Command, _ []string) error {
	outputPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	if !force {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("flow file already exists: %s (use -f to overwrite)", outputPath)
		}
	}

	content, err := configTemplate.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("failed to read flow file template: %w", err)
	}

	dir := filepath.Dir(outputPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// The file may hold literal credentials.
	if err := os.WriteFile(outputPath, content, 0600); err != nil {
		return fmt.Errorf("failed to write flow file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created flow file: %s\n", outputPath)
	fmt.Fprintln(out, "\nEdit this file to describe your consoles:")
	fmt.Fprintln(out, "  - how to log in (static credential, login command or OAuth2)")
	fmt.Fprintln(out, "  - the listing endpoint and where records live in the response")
	fmt.Fprintln(out, "  - where fresh records and anomalies should go")
	fmt.Fprintln(out, "\nThen run: harvest run")

	return nil
}
