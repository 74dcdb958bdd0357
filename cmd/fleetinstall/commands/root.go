package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/openfroyo/fleetinstall/pkg/config"
	"github.com/openfroyo/fleetinstall/pkg/engine"
	"github.com/openfroyo/fleetinstall/pkg/stores"
)

var (
	// Global flags
	configPath string
	storePath  string
	verbose    bool
	jsonOutput bool

	buildVersion string
)

// Exit codes.
const (
	exitFailure    = 1
	exitIncomplete = 2
	exitInvalid    = 3
)

// errIncomplete is returned when a run ends with hosts left failed.
var errIncomplete = errors.New("run finished with failed hosts")

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errIncomplete):
		return exitIncomplete
	case engine.IsValidation(err):
		return exitInvalid
	default:
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return exitInvalid
		}
		return exitFailure
	}
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "fleetinstall",
		Short: "Install one artifact across a batch of hosts, with retries",
		Long: `fleetinstall copies an installer to every host of a batch over SSH, runs it
and removes the staged copy, in rounds. Each round retries only the hosts
that failed the round before, until every host succeeds or the retry budget
is spent.

At the end it prints a summary and writes the hosts still failing to a CSV
file that can be fed back as the next batch.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "job file (.yaml, .yml, .cue or .json)")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "run history database (overrides store.path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newInventoryCommand())

	return rootCmd
}

// loadBaseConfig reads --config, or the defaults when none is given. The
// result is not validated.
func loadBaseConfig() (*config.JobConfig, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	loader, err := config.NewLoader()
	if err != nil {
		return nil, err
	}
	return loader.Load(configPath)
}

// openStore opens the history database named by --store, --config or the
// default location.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := loadBaseConfig()
	if err != nil {
		return nil, err
	}
	path := cfg.Store.Path
	if storePath != "" {
		path = storePath
	}
	store, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	return store, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func printTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
	_, err := fmt.Fprintln(w, t.String())
	return err
}
