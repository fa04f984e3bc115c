package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zjrosen/servhost/internal/registrar"
)

var dryRun bool

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Register every hosted class in the store",
	Long: `Publish the activation metadata of every hosted class and the shared
interface library. Running it again leaves the store unchanged.

Use --dry-run to print the changes without writing them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runInstall(cmd.Context(), cmd.OutOrStdout(), dryRun)
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the registrations of every hosted class",
	Long: `Remove what install published. Entries that are already gone are
skipped, so an interrupted uninstall can simply be run again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runUninstall(cmd.Context(), cmd.OutOrStdout(), dryRun)
	},
}

func init() {
	rootCmd.AddCommand(installCmd, uninstallCmd)
	installCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the changes without writing them")
	uninstallCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the changes without writing them")
}

func runInstall(ctx context.Context, out io.Writer, preview bool) error {
	return runProtocol(ctx, out, preview, "installed", func(ctx context.Context, s *session, r *registrar.Registrar) error {
		return r.Install(ctx, s.catalog)
	})
}

func runUninstall(ctx context.Context, out io.Writer, preview bool) error {
	return runProtocol(ctx, out, preview, "uninstalled", func(ctx context.Context, s *session, r *registrar.Registrar) error {
		return r.Uninstall(ctx, s.catalog)
	})
}

func runProtocol(ctx context.Context, out io.Writer, preview bool, verb string,
	fn func(context.Context, *session, *registrar.Registrar) error) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	if preview {
		diff, err := s.registrar.Preview(ctx, func(ctx context.Context, r *registrar.Registrar) error {
			return fn(ctx, s, r)
		})
		if err != nil {
			return err
		}
		if diff == "" {
			_, _ = fmt.Fprintln(out, "no changes")
			return nil
		}
		_, _ = fmt.Fprint(out, diff)
		return nil
	}

	if err := fn(ctx, s, s.registrar); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "%s %d class(es) in %s\n", verb, s.catalog.Len(), cfg.Store.Path)
	return nil
}
