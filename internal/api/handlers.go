package api

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/platelab/platevision/internal/aggregation"
	"github.com/platelab/platevision/internal/datastore/entities"
	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/inference"
	"github.com/platelab/platevision/internal/logger"
	"github.com/platelab/platevision/internal/staging"
)

// QueueFailureMessage is stored on a run whose job could not be enqueued.
const QueueFailureMessage = "failed to queue inference job"

const healthTimeout = 2 * time.Second

// CorrectionRequest is the body of PUT /api/v1/runs/:id/counts.
type CorrectionRequest struct {
	Counts map[int]int `json:"counts"`
}

// RunChange is the data of a correction or deletion.
type RunChange struct {
	Run     *entities.PredictionRun `json:"run"`
	Summary *entities.SampleSummary `json:"summary"`
}

// HealthResponse is the data of GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	StagedFiles int    `json:"staged_files"`
}

// Predict handles POST /api/v1/predict. Exactly one of the file part and the
// image_path field must be present; image_path must be a staged path token.
func (s *Server) Predict(c echo.Context) error {
	ctx := c.Request().Context()

	sampleID := strings.TrimSpace(c.FormValue(inference.FieldSampleID))
	if sampleID == "" {
		return unprocessable(inference.FieldSampleID + " is required")
	}
	imagePath := strings.TrimSpace(c.FormValue(inference.FieldImagePath))
	file, err := c.FormFile(inference.FieldFile)
	if err != nil && !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
		return invalidRequest("malformed multipart body: %v", err)
	}
	hasFile := file != nil
	if hasFile == (imagePath != "") {
		return unprocessable("exactly one of file or image_path is required")
	}

	var storedPath string
	if hasFile {
		data, err := s.readUpload(file)
		if err != nil {
			return err
		}
		if storedPath, err = s.deps.Staging.SaveUpload(file.Filename, data); err != nil {
			return err
		}
	} else {
		if !staging.IsToken(imagePath) {
			return invalidRequest("image_path must be a path returned by %s", inference.PathStage)
		}
		if storedPath, err = s.deps.Staging.Claim(imagePath); err != nil {
			return err
		}
	}

	run, err := s.deps.Engine.CreateRun(ctx, aggregation.NewRun{
		SampleID:            sampleID,
		SubmissionID:        strings.TrimSpace(c.FormValue(inference.FieldSubmissionID)),
		Description:         strings.TrimSpace(c.FormValue(inference.FieldDescription)),
		CorrelationID:       strings.TrimSpace(c.FormValue(inference.FieldCorrelationID)),
		ImagePath:           storedPath,
		ModelVersion:        s.settings.ModelVersion,
		ConfidenceThreshold: s.settings.ConfidenceThreshold,
	})
	if err != nil {
		// Neither an upload nor a claimed staged image is reachable without the run.
		_ = os.Remove(storedPath)
		return err
	}

	jobID, err := s.deps.Queue.Enqueue(s.deps.Jobs.Job(run.ID))
	if err != nil {
		s.log.Error("failed to queue inference job",
			logger.Uint64("run_id", uint64(run.ID)),
			logger.Error(err))
		// A FailRun error is only logged; the response reports the queue failure.
		if failErr := s.deps.Engine.FailRun(context.WithoutCancel(ctx), run.ID, QueueFailureMessage); failErr != nil {
			s.log.Warn("failed to mark unqueued run failed",
				logger.Uint64("run_id", uint64(run.ID)),
				logger.Error(failErr))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, QueueFailureMessage).SetInternal(err)
	}

	s.log.Info("prediction queued",
		logger.Uint64("run_id", uint64(run.ID)),
		logger.String("job_id", jobID),
		logger.String("sample_id", run.SampleID),
		logger.String("correlation_id", run.CorrelationID))

	resp := inference.PredictResponse{
		RunID:         inference.JobID(run.ID),
		SampleID:      run.SampleID,
		CorrelationID: run.CorrelationID,
		Status:        inference.JobStatus(run.Status),
		QueuedAt:      run.SubmittedAt,
		Message:       "inference job queued",
	}
	if run.SubmissionID != nil {
		resp.SubmissionID = *run.SubmissionID
	}
	return respond(c, http.StatusAccepted, resp)
}

// Status handles GET /api/v1/status/:id.
func (s *Server) Status(c echo.Context) error {
	id, err := runIDParam(c)
	if err != nil {
		return err
	}
	run, err := s.deps.Engine.GetRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, statusOfRun(run))
}

func statusOfRun(run *entities.PredictionRun) inference.StatusResponse {
	resp := inference.StatusResponse{
		RunID:       inference.JobID(run.ID),
		SampleID:    run.SampleID,
		Status:      inference.JobStatus(run.Status),
		Wells:       run.Wells,
		SubmittedAt: run.SubmittedAt,
		UpdatedAt:   run.UpdatedAt,
	}
	if run.ErrorMessage != nil {
		resp.Error = *run.ErrorMessage
	}
	if run.Result != nil {
		dist := run.Result.Distribution
		resp.Distribution = &dist
	}
	return resp
}

// Stage handles POST /api/v1/stage.
func (s *Server) Stage(c echo.Context) error {
	file, err := c.FormFile(inference.FieldFile)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return unprocessable(inference.FieldFile + " is required")
		}
		return invalidRequest("malformed multipart body: %v", err)
	}
	data, err := s.readUpload(file)
	if err != nil {
		return err
	}
	token, expires, err := s.deps.Staging.Stage(file.Filename, data)
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, inference.StageResponse{Path: token, ExpiresAt: expires})
}

// ListSamples handles GET /api/v1/samples?page=&page_size=&sort=.
func (s *Server) ListSamples(c echo.Context) error {
	page, pageSize, err := pageParams(c)
	if err != nil {
		return err
	}
	result, err := s.deps.Engine.ListSamples(c.Request().Context(), page, pageSize, c.QueryParam("sort"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, result)
}

// SampleRuns handles GET /api/v1/samples/:sample/runs.
func (s *Server) SampleRuns(c echo.Context) error {
	sampleID, err := url.PathUnescape(c.Param("sample"))
	if err != nil {
		return invalidRequest("malformed sample id")
	}
	page, pageSize, err := pageParams(c)
	if err != nil {
		return err
	}
	result, err := s.deps.Engine.GetSampleRuns(c.Request().Context(), sampleID, page, pageSize)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, result)
}

// CorrectRun handles PUT /api/v1/runs/:id/counts.
func (s *Server) CorrectRun(c echo.Context) error {
	id, err := runIDParam(c)
	if err != nil {
		return err
	}
	var req CorrectionRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest("malformed correction body")
	}
	outcome, err := s.deps.Engine.CorrectRun(c.Request().Context(), id, req.Counts)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, RunChange{Run: outcome.Run, Summary: outcome.Summary})
}

// DeleteRun handles DELETE /api/v1/runs/:id.
func (s *Server) DeleteRun(c echo.Context) error {
	id, err := runIDParam(c)
	if err != nil {
		return err
	}
	outcome, err := s.deps.Engine.DeleteRun(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, RunChange{Run: outcome.Run, Summary: outcome.Summary})
}

// Health handles GET /api/v1/health.
func (s *Server) Health(c echo.Context) error {
	resp := HealthResponse{Status: "ok", StagedFiles: s.deps.Staging.Pending()}
	if s.deps.Store == nil {
		return respond(c, http.StatusOK, resp)
	}

	resp.Database = s.deps.Store.Dialect()
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable").SetInternal(err)
	}
	return respond(c, http.StatusOK, resp)
}

// readUpload reads an uploaded part, refusing parts over the upload limit.
func (s *Server) readUpload(fh *multipart.FileHeader) ([]byte, error) {
	limit := s.settings.MaxUploadSize
	if limit > 0 && fh.Size > limit {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "image exceeds the upload limit")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, invalidRequest("unreadable upload: %v", err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, invalidRequest("unreadable upload: %v", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "image exceeds the upload limit")
	}
	if len(data) == 0 {
		return nil, unprocessable("uploaded file is empty")
	}
	return data, nil
}

func runIDParam(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, invalidRequest("run id must be a positive integer")
	}
	return uint(id), nil
}

func pageParams(c echo.Context) (page, pageSize int, err error) {
	if page, err = intQuery(c, "page"); err != nil {
		return 0, 0, err
	}
	if pageSize, err = intQuery(c, "page_size"); err != nil {
		return 0, 0, err
	}
	return page, pageSize, nil
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, invalidRequest("%s must be a non-negative integer", name)
	}
	return n, nil
}

func invalidRequest(format string, args ...any) error {
	return errors.Domain(errors.ErrInvalidRequest, format, args...).
		Component("api").
		Build()
}
