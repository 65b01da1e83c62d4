package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/ec14-supervisor/pkg/config"
	"github.com/psantana5/ec14-supervisor/pkg/experiment"
	"github.com/psantana5/ec14-supervisor/pkg/store"
)

// statusCmd reports on an experiment without changing it
var statusCmd = &cobra.Command{
	Use:   "status [config_path]",
	Short: "Show the state of an experiment",
	Long: `Show whether the experiment has been bootstrapped, how large its population
is, how many individuals are still unfinished and which run logs exist.
Nothing is modified.`,
	Args: maxArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, yaml or json")
}

// statusReport is the status command's output.
type statusReport struct {
	Experiment string             `yaml:"experiment" json:"experiment"`
	Config     string             `yaml:"config" json:"config"`
	Status     *experiment.Status `yaml:"status" json:"status"`
	Population *int               `yaml:"population,omitempty" json:"population,omitempty"`
	Unfinished *int               `yaml:"unfinished,omitempty" json:"unfinished,omitempty"`
	StoreError string             `yaml:"store_error,omitempty" json:"store_error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	switch outputFormat {
	case "table", "yaml", "json":
	default:
		return usagef("unknown output format %q", outputFormat)
	}

	cfg, err := config.Load(configArg(args))
	if err != nil {
		return err
	}

	report, err := collectStatus(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return writeStatus(cmd.OutOrStdout(), report, outputFormat)
}

func collectStatus(ctx context.Context, cfg *config.ExperimentConfig) (*statusReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := experiment.Inspect(cfg)
	if err != nil {
		return nil, err
	}
	report := &statusReport{
		Experiment: cfg.Experiment.Name,
		Config:     cfg.Path,
		Status:     st,
	}
	if st.Bootstrap != experiment.BootstrapComplete {
		return report, nil
	}

	s, err := store.Open(cfg.DB.DBString, cfg.Experiment.Name, cfg.Experiment.EndTime, cfg.Population.MaxAge)
	if err != nil {
		report.StoreError = err.Error()
		return report, nil
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	total, err := s.CountIndividuals(ctx)
	if err != nil {
		report.StoreError = err.Error()
		return report, nil
	}
	unfinished, err := s.GetUnfinishedCount(ctx)
	if err != nil {
		report.StoreError = err.Error()
		return report, nil
	}
	report.Population = &total
	report.Unfinished = &unfinished
	return report, nil
}

func writeStatus(w io.Writer, r *statusReport, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	}

	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	table.Append("Experiment", r.Experiment)
	table.Append("Config", r.Config)
	table.Append("Base path", r.Status.BasePath)
	table.Append("Bootstrap", r.Status.Bootstrap)
	if m := r.Status.Manifest; m != nil {
		table.Append("Session", m.SessionID)
		table.Append("Created", m.CreatedAt.Format(time.RFC3339))
		table.Append("Seeded", fmt.Sprintf("%d", m.PopulationSize))
	}
	if r.Population != nil {
		table.Append("Population", fmt.Sprintf("%d", *r.Population))
	}
	if r.Unfinished != nil {
		table.Append("Unfinished", fmt.Sprintf("%d", *r.Unfinished))
	}
	if r.StoreError != "" {
		table.Append("Store error", r.StoreError)
	}
	logs := "-"
	if len(r.Status.RunLogs) > 0 {
		logs = strings.Join(r.Status.RunLogs, ", ")
	}
	table.Append("Run logs", logs)
	return table.Render()
}
