package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/servhost/internal/catalog"
	"github.com/zjrosen/servhost/internal/guid"
	"github.com/zjrosen/servhost/internal/log"
	"github.com/zjrosen/servhost/internal/registrar"
)

var (
	logLevels []string
	logFormat string
	logClear  bool
	logClass  string
)

var loggingCmd = &cobra.Command{
	Use:   "logging",
	Short: "Show or change the stored logging settings",
	Long: `Logging settings are stored per hosted class and read when the server
starts. A running server re-reads them when the store changes.

Levels are given as category=LEVEL; category "*" sets the default.
Categories: ` + categoryList() + `

Examples:
  servhost logging                             # show current settings
  servhost logging --level store=DEBUG --level '*=WARN'
  servhost logging --format '{time} {level} {msg}{fields}'
  servhost logging --clear                     # back to the config defaults
  servhost logging --class {5E78C9A8-...} --level activation=DEBUG`,
	Args: cobra.NoArgs,
	RunE: runLogging,
}

func init() {
	rootCmd.AddCommand(loggingCmd)
	loggingCmd.Flags().StringArrayVarP(&logLevels, "level", "l", nil, "category=LEVEL (repeatable)")
	loggingCmd.Flags().StringVar(&logFormat, "format", "", "entry format using {time} {level} {cat} {msg} {fields}")
	loggingCmd.Flags().BoolVar(&logClear, "clear", false, "remove stored logging settings")
	loggingCmd.Flags().StringVar(&logClass, "class", "", "limit to one class identity (default: all hosted classes)")
	loggingCmd.MarkFlagsMutuallyExclusive("clear", "level")
	loggingCmd.MarkFlagsMutuallyExclusive("clear", "format")
}

func categoryList() string {
	cats := log.Categories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

func runLogging(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.close()

	records, err := selectRecords(s.catalog, logClass)
	if err != nil {
		return err
	}

	switch {
	case logClear:
		for _, rec := range records {
			outcome, err := s.registrar.ClearLogging(ctx, rec.Identity)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%s: %s\n", rec.ProgID, outcome)
		}
		return nil

	case len(logLevels) > 0 || cmd.Flags().Changed("format"):
		levels, err := registrar.ParseLevels(logLevels)
		if err != nil {
			return err
		}
		setting := registrar.LoggingConfig{Levels: levels, Format: logFormat}
		for _, rec := range records {
			if err := s.registrar.SetLogging(ctx, rec.Identity, setting); err != nil {
				return err
			}
		}
		return showLogging(cmd, s, records, out)

	default:
		return showLogging(cmd, s, records, out)
	}
}

func showLogging(cmd *cobra.Command, s *session, records []catalog.Record, out io.Writer) error {
	for _, rec := range records {
		setting, ok, err := s.registrar.Logging(cmd.Context(), rec.Identity)
		if err != nil {
			return err
		}
		if !ok {
			_, _ = fmt.Fprintf(out, "%s: defaults\n", rec.ProgID)
			continue
		}
		levels := make([]string, len(setting.Levels))
		for i, l := range setting.Levels {
			levels[i] = l.String()
		}
		_, _ = fmt.Fprintf(out, "%s: levels=%s", rec.ProgID, strings.Join(levels, ","))
		if setting.Format != "" {
			_, _ = fmt.Fprintf(out, " format=%q", setting.Format)
		}
		_, _ = fmt.Fprintln(out)
	}
	return nil
}

// selectRecords returns every record, or the one named by id.
func selectRecords(cat *catalog.Catalog, id string) ([]catalog.Record, error) {
	if id == "" {
		return cat.Records(), nil
	}
	ident, err := guid.Normalize(id)
	if err != nil {
		return nil, err
	}
	entry, err := cat.Lookup(ident)
	if err != nil {
		return nil, err
	}
	return []catalog.Record{entry.Record}, nil
}
