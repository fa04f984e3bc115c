package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zjrosen/servhost/internal/registrar"
)

var listYAML bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the stored registrations of the hosted classes",
	Long: `Print every store entry install owns for the hosted classes: the class
keys, the ProgID keys and the interface library key.

Examples:
  servhost list
  servhost list --yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.close()
		return writeListing(cmd, s, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listYAML, "yaml", false, "print each subtree as YAML")
}

func writeListing(cmd *cobra.Command, s *session, out io.Writer) error {
	ctx := cmd.Context()
	for _, path := range registrar.Footprint(s.catalog) {
		snap, err := s.tree.Export(ctx, path)
		if err != nil {
			return err
		}
		if snap == nil {
			_, _ = fmt.Fprintf(out, "%s (not registered)\n", path)
			continue
		}
		if !listYAML {
			_, _ = fmt.Fprint(out, snap.Render(path))
			continue
		}
		doc, err := snap.YAML()
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "# %s\n%s", path, doc)
	}
	return nil
}
