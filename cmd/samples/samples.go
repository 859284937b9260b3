package samples

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/platelab/platevision/internal/aggregation"
	"github.com/platelab/platevision/internal/datastore"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/logger"
	"github.com/platelab/platevision/internal/runtime"
)

// Command creates the command that lists sample summaries or the runs of one
// sample straight from the configured database.
func Command(rt *runtime.Context) *cobra.Command {
	var (
		page, pageSize int
		sort           string
	)

	cmd := &cobra.Command{
		Use:   "samples [sample]",
		Short: "List sample summaries, or the runs of one sample",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeStore, err := OpenEngine(rt)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx := cmd.Context()
			if len(args) == 1 {
				runs, err := engine.GetSampleRuns(ctx, args[0], page, pageSize)
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), runListing(runs))
			}
			summaries, err := engine.ListSamples(ctx, page, pageSize, sort)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), sampleListing(summaries))
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Entries per page")
	cmd.Flags().StringVar(&sort, "sort", "recent", "Summary order: recent, sample or runs")

	return cmd
}

// OpenEngine opens and migrates the configured store and returns an engine on
// it. The returned func closes the store.
func OpenEngine(rt *runtime.Context) (*aggregation.Engine, func(), error) {
	log := rt.Logger("datastore")
	store, err := datastore.Open(&rt.Settings.Database, log)
	if err != nil {
		return nil, nil, err
	}
	closeStore := func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close database", logger.Error(err))
		}
	}
	if err := store.Initialize(); err != nil {
		closeStore()
		return nil, nil, err
	}
	return aggregation.New(datastore.NewRepository(store), log), closeStore, nil
}

type summaryRow struct {
	SampleID     string      `yaml:"sample_no"`
	Total        int         `yaml:"total"`
	Runs         int         `yaml:"runs"`
	LastRunID    uint        `yaml:"last_run_id"`
	LastRunAt    string      `yaml:"last_run_at"`
	Distribution map[int]int `yaml:"distribution,omitempty"`
}

type sampleList struct {
	Page     int          `yaml:"page"`
	PageSize int          `yaml:"page_size"`
	Total    int64        `yaml:"total"`
	Sort     string       `yaml:"sort"`
	Samples  []summaryRow `yaml:"samples"`
}

type runRow struct {
	RunID       uint        `yaml:"run_id"`
	Status      string      `yaml:"status"`
	SubmittedAt string      `yaml:"submitted_at"`
	CompletedAt string      `yaml:"completed_at,omitempty"`
	Total       int         `yaml:"total"`
	Counts      map[int]int `yaml:"distribution,omitempty"`
	Error       string      `yaml:"error,omitempty"`
}

type runList struct {
	SampleID string   `yaml:"sample_no"`
	Page     int      `yaml:"page"`
	PageSize int      `yaml:"page_size"`
	Total    int64    `yaml:"total"`
	Runs     []runRow `yaml:"runs"`
}

func sampleListing(p *aggregation.SamplePage) sampleList {
	out := sampleList{Page: p.Page, PageSize: p.PageSize, Total: p.Total, Sort: p.Sort, Samples: []summaryRow{}}
	for _, s := range p.Items {
		out.Samples = append(out.Samples, summaryRow{
			SampleID:     s.SampleID,
			Total:        s.Total,
			Runs:         s.TotalRuns,
			LastRunID:    s.LastRunID,
			LastRunAt:    s.LastRunAt.Format(time.RFC3339),
			Distribution: s.Distribution.Map(),
		})
	}
	return out
}

func runListing(p *aggregation.RunPage) runList {
	out := runList{SampleID: p.SampleID, Page: p.Page, PageSize: p.PageSize, Total: p.Total, Runs: []runRow{}}
	for i := range p.Items {
		out.Runs = append(out.Runs, runRowOf(&p.Items[i]))
	}
	return out
}

func runRowOf(run *entities.PredictionRun) runRow {
	row := runRow{
		RunID:       run.ID,
		Status:      string(run.Status),
		SubmittedAt: run.SubmittedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		row.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	if run.Result != nil {
		row.Total = run.Result.Total
		row.Counts = run.Result.Distribution.Map()
	}
	if run.ErrorMessage != nil {
		row.Error = *run.ErrorMessage
	}
	return row
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("error encoding listing: %w", err)
	}
	return enc.Close()
}
