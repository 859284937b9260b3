package datastore

import (
	"context"
	"math"
	"time"

	"github.com/platelab/platevision/internal/datastore/entities"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Page limits for listings. MaxPageNumber keeps every offset within an int32.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxPageNumber   = math.MaxInt32 / MaxPageSize
)

// SummarySort orders sample listings.
type SummarySort string

const (
	// SortRecent orders by last run completion, newest first.
	SortRecent SummarySort = "recent"
	// SortSample orders by sample id ascending.
	SortSample SummarySort = "sample"
	// SortRuns orders by run count, largest first.
	SortRuns SummarySort = "runs"
)

// Valid reports whether s is a known sort; the empty sort means SortRecent.
func (s SummarySort) Valid() bool {
	switch s {
	case "", SortRecent, SortSample, SortRuns:
		return true
	}
	return false
}

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Normalize applies the defaults and the caps.
func (p Page) Normalize() Page {
	switch {
	case p.Number < 1:
		p.Number = 1
	case p.Number > MaxPageNumber:
		p.Number = MaxPageNumber
	}
	switch {
	case p.Size <= 0:
		p.Size = DefaultPageSize
	case p.Size > MaxPageSize:
		p.Size = MaxPageSize
	}
	return p
}

// Offset returns the row offset of the page.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

// Repository is the typed access layer over a Store. A Repository obtained
// from Transaction is bound to that transaction.
type Repository struct {
	store Store
	db    *gorm.DB
}

// NewRepository returns a repository on the store's connection pool.
func NewRepository(store Store) *Repository {
	return &Repository{store: store, db: store.DB()}
}

// Store returns the backing store.
func (r *Repository) Store() Store {
	return r.store
}

// Transaction runs fn in one database transaction. A non-nil error from fn
// rolls everything back.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{store: r.store, db: tx})
	})
}

// CreateRun inserts a new run.
func (r *Repository) CreateRun(ctx context.Context, run *entities.PredictionRun) error {
	if err := r.db.WithContext(ctx).Omit(clause.Associations).Create(run).Error; err != nil {
		return dbError(err, "create_run", "", "sample_id", run.SampleID)
	}
	return nil
}

// GetRun loads a run with its wells and result.
func (r *Repository) GetRun(ctx context.Context, id uint) (*entities.PredictionRun, error) {
	var run entities.PredictionRun
	err := r.db.WithContext(ctx).
		Preload("Wells", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Preload("Result").
		First(&run, id).Error
	if err != nil {
		if IsRecordNotFound(err) {
			return nil, RunNotFound(id)
		}
		return nil, dbError(err, "get_run", "", "run_id", id)
	}
	return &run, nil
}

// LockRun loads a run with its result, holding a row lock where the dialect
// needs one.
func (r *Repository) LockRun(ctx context.Context, id uint) (*entities.PredictionRun, error) {
	var run entities.PredictionRun
	err := ForUpdate(r.store, r.db.WithContext(ctx)).First(&run, id).Error
	if err != nil {
		if IsRecordNotFound(err) {
			return nil, RunNotFound(id)
		}
		return nil, err
	}
	var result entities.InferenceResult
	err = ForUpdate(r.store, r.db.WithContext(ctx)).Where("run_id = ?", id).Limit(1).Find(&result).Error
	if err != nil {
		return nil, err
	}
	if result.ID != 0 {
		run.Result = &result
	}
	return &run, nil
}

// UpdateRun writes the given columns of run id and bumps updated_at.
func (r *Repository) UpdateRun(ctx context.Context, id uint, fields map[string]any) error {
	if _, ok := fields["updated_at"]; !ok {
		fields["updated_at"] = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Model(&entities.PredictionRun{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return RunNotFound(id)
	}
	return nil
}

// ReplaceWells swaps the run's wells for wells.
func (r *Repository) ReplaceWells(ctx context.Context, runID uint, wells []entities.WellPrediction) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("run_id = ?", runID).Delete(&entities.WellPrediction{}).Error; err != nil {
		return err
	}
	if len(wells) == 0 {
		return nil
	}
	for i := range wells {
		wells[i].ID = 0
		wells[i].RunID = runID
	}
	return db.CreateInBatches(wells, 100).Error
}

// SaveResult inserts or replaces the run's inference result.
func (r *Repository) SaveResult(ctx context.Context, result *entities.InferenceResult) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"distribution", "total", "updated_at"}),
	}).Create(result).Error
}

// UpdateResultTotal stores a repaired total for a result.
func (r *Repository) UpdateResultTotal(ctx context.Context, resultID uint, total int) error {
	return r.db.WithContext(ctx).Model(&entities.InferenceResult{}).
		Where("id = ?", resultID).
		Update("total", total).Error
}

// DeleteRun removes a run together with its wells and result.
func (r *Repository) DeleteRun(ctx context.Context, id uint) error {
	db := r.db.WithContext(ctx)
	if err := db.Where("run_id = ?", id).Delete(&entities.WellPrediction{}).Error; err != nil {
		return err
	}
	if err := db.Where("run_id = ?", id).Delete(&entities.InferenceResult{}).Error; err != nil {
		return err
	}
	res := db.Delete(&entities.PredictionRun{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return RunNotFound(id)
	}
	return nil
}

// LockSampleRuns loads every run of sampleID with its result, locking the
// rows where the dialect needs it.
func (r *Repository) LockSampleRuns(ctx context.Context, sampleID string) ([]entities.PredictionRun, error) {
	var runs []entities.PredictionRun
	err := ForUpdate(r.store, r.db.WithContext(ctx)).
		Where("sample_id = ?", sampleID).
		Order("id ASC").
		Find(&runs).Error
	if err != nil || len(runs) == 0 {
		return runs, err
	}

	ids := make([]uint, len(runs))
	for i := range runs {
		ids[i] = runs[i].ID
	}
	var results []entities.InferenceResult
	if err := ForUpdate(r.store, r.db.WithContext(ctx)).Where("run_id IN ?", ids).Find(&results).Error; err != nil {
		return nil, err
	}
	byRun := make(map[uint]*entities.InferenceResult, len(results))
	for i := range results {
		byRun[results[i].RunID] = &results[i]
	}
	for i := range runs {
		runs[i].Result = byRun[runs[i].ID]
	}
	return runs, nil
}

// GetSummary returns the summary of sampleID, or nil when none exists.
func (r *Repository) GetSummary(ctx context.Context, sampleID string) (*entities.SampleSummary, error) {
	var summary entities.SampleSummary
	err := r.db.WithContext(ctx).Where("sample_id = ?", sampleID).Limit(1).Find(&summary).Error
	if err != nil {
		return nil, dbError(err, "get_summary", "", "sample_id", sampleID)
	}
	if summary.SampleID == "" {
		return nil, nil
	}
	return &summary, nil
}

// SaveSummary inserts or replaces a summary row.
func (r *Repository) SaveSummary(ctx context.Context, summary *entities.SampleSummary) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "sample_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"distribution", "total", "total_runs", "last_run_id", "last_run_at"}),
	}).Create(summary).Error
}

// DeleteSummary removes the summary of sampleID if present.
func (r *Repository) DeleteSummary(ctx context.Context, sampleID string) error {
	return r.db.WithContext(ctx).Where("sample_id = ?", sampleID).Delete(&entities.SampleSummary{}).Error
}

// ListSummaries returns one page of summaries and the total summary count.
func (r *Repository) ListSummaries(ctx context.Context, page Page, sort SummarySort) ([]entities.SampleSummary, int64, error) {
	page = page.Normalize()
	db := r.db.WithContext(ctx).Model(&entities.SampleSummary{})

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "count_summaries", "")
	}

	query := r.db.WithContext(ctx)
	switch sort {
	case SortSample:
		query = query.Order("sample_id ASC")
	case SortRuns:
		query = query.Order("total_runs DESC").Order("sample_id ASC")
	default:
		query = query.Order("last_run_at DESC").Order("sample_id ASC")
	}

	var summaries []entities.SampleSummary
	if err := query.Offset(page.Offset()).Limit(page.Size).Find(&summaries).Error; err != nil {
		return nil, 0, dbError(err, "list_summaries", "", "sort", string(sort))
	}
	return summaries, total, nil
}

// ListSampleRuns returns one page of the runs of sampleID, newest first,
// with their results, and the sample's total run count.
func (r *Repository) ListSampleRuns(ctx context.Context, sampleID string, page Page) ([]entities.PredictionRun, int64, error) {
	page = page.Normalize()

	var total int64
	err := r.db.WithContext(ctx).Model(&entities.PredictionRun{}).
		Where("sample_id = ?", sampleID).
		Count(&total).Error
	if err != nil {
		return nil, 0, dbError(err, "count_sample_runs", "", "sample_id", sampleID)
	}

	var runs []entities.PredictionRun
	err = r.db.WithContext(ctx).
		Preload("Result").
		Where("sample_id = ?", sampleID).
		Order("submitted_at DESC").Order("id DESC").
		Offset(page.Offset()).Limit(page.Size).
		Find(&runs).Error
	if err != nil {
		return nil, 0, dbError(err, "list_sample_runs", "", "sample_id", sampleID)
	}
	return runs, total, nil
}

// SampleIDs returns every distinct sample id that has runs or a summary.
func (r *Repository) SampleIDs(ctx context.Context) ([]string, error) {
	var fromRuns, fromSummaries []string
	db := r.db.WithContext(ctx)
	if err := db.Model(&entities.PredictionRun{}).Distinct().Pluck("sample_id", &fromRuns).Error; err != nil {
		return nil, dbError(err, "list_sample_ids", "")
	}
	if err := db.Model(&entities.SampleSummary{}).Pluck("sample_id", &fromSummaries).Error; err != nil {
		return nil, dbError(err, "list_sample_ids", "")
	}

	seen := make(map[string]struct{}, len(fromRuns)+len(fromSummaries))
	ids := make([]string, 0, len(fromRuns)+len(fromSummaries))
	for _, id := range append(fromRuns, fromSummaries...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// UnfinishedRunIDs returns the ids of pending and processing runs, oldest first.
func (r *Repository) UnfinishedRunIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&entities.PredictionRun{}).
		Where("status IN ?", []entities.RunStatus{entities.RunStatusPending, entities.RunStatusProcessing}).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, dbError(err, "list_unfinished_runs", "")
	}
	return ids, nil
}
