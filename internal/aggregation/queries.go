package aggregation

import (
	"context"

	"github.com/platelab/platevision/internal/datastore"
	"github.com/platelab/platevision/internal/datastore/entities"
)

// SamplePage is one page of sample summaries.
type SamplePage struct {
	Items    []entities.SampleSummary `json:"items"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
	Total    int64                    `json:"total"`
	Sort     string                   `json:"sort"`
}

// RunPage is one page of the runs of a sample, newest first.
type RunPage struct {
	SampleID string                   `json:"sample_id"`
	Items    []entities.PredictionRun `json:"items"`
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
	Total    int64                    `json:"total"`
}

// ListSamples pages through sample summaries. sort is "recent" (default),
// "sample" or "runs"; page numbers start at 1 and page size is capped at 100.
func (e *Engine) ListSamples(ctx context.Context, page, pageSize int, sort string) (*SamplePage, error) {
	order := datastore.SummarySort(sort)
	if !order.Valid() {
		return nil, invalid("unknown sort %q, want recent, sample or runs", sort)
	}
	if order == "" {
		order = datastore.SortRecent
	}

	p := datastore.Page{Number: page, Size: pageSize}.Normalize()
	items, total, err := e.repo.ListSummaries(ctx, p, order)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []entities.SampleSummary{}
	}
	return &SamplePage{Items: items, Page: p.Number, PageSize: p.Size, Total: total, Sort: string(order)}, nil
}

// GetSampleRuns pages through the runs of sampleID, newest first.
func (e *Engine) GetSampleRuns(ctx context.Context, sampleID string, page, pageSize int) (*RunPage, error) {
	if sampleID == "" {
		return nil, invalid("sample id is required")
	}
	p := datastore.Page{Number: page, Size: pageSize}.Normalize()
	items, total, err := e.repo.ListSampleRuns(ctx, sampleID, p)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []entities.PredictionRun{}
	}
	return &RunPage{SampleID: sampleID, Items: items, Page: p.Number, PageSize: p.Size, Total: total}, nil
}
