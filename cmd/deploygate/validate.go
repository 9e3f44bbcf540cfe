package main

import (
	"context"
	"fmt"
	"os"

	"deploygate/internal/config"
	"deploygate/pkg/fileutil"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate a configuration file",
	Long: `Check a deploygate.yaml configuration file without starting the server.

Reports every problem the server would reject the file for: malformed
identifiers, services in more than one delivery group, references to
unknown recipes or environments, and invalid guardrail values.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		path = fileutil.SearchPathsOptional(fileutil.DefaultConfigPaths("deploygate.yaml"))
		if path == "" {
			return fmt.Errorf("no configuration file found; pass a path or place deploygate.yaml in a default location")
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	f, err := config.Parse(data)
	if err != nil {
		return err
	}
	if errs := f.Validate(); len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "%s has %d problem(s):\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, e)
		}
		return fmt.Errorf("configuration is invalid")
	}

	// Resolve without a revision store to surface cross-reference errors
	// the same way the server would. Recipe revisions are not persisted
	// on this path.
	snap, err := f.Resolve(context.Background(), nil)
	if err != nil {
		return err
	}

	fmt.Printf("%s is valid\n", path)
	fmt.Printf("  Delivery groups:  %d\n", len(snap.Groups))
	fmt.Printf("  Recipes:          %d\n", len(snap.Recipes))
	fmt.Printf("  Kill switch:      %v\n", snap.KillSwitch)
	return nil
}
