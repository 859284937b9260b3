package submit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/platelab/platevision/internal/httpclient"
	"github.com/platelab/platevision/internal/inference"
	"github.com/platelab/platevision/internal/logger"
	"github.com/platelab/platevision/internal/observability"
	"github.com/platelab/platevision/internal/runtime"
)

const (
	pushJob     = "platevision_client"
	pushTimeout = 5 * time.Second
)

// Options are the per-submission flags shared by submit and capture.
type Options struct {
	Meta   inference.Meta
	Staged bool // stage the image first and submit the staged path
	NoWait bool // return after submission without polling
}

// Command creates the command that submits one image and waits for its result.
func Command(rt *runtime.Context) *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "submit [image]",
		Short: "Submit a plate image for inference",
		Long:  "Upload a plate image to the prediction API and poll the job until it completes or fails.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("error reading image: %w", err)
			}
			s, err := NewSubmitter(rt)
			if err != nil {
				return err
			}
			defer s.Close(cmd.Context())

			report, err := s.Submit(cmd.Context(), filepath.Base(args[0]), data, opts)
			if report != nil {
				if printErr := Print(cmd.OutOrStdout(), report); printErr != nil {
					return printErr
				}
			}
			return err
		},
	}

	if err := SetupFlags(cmd, &opts); err != nil {
		panic(err)
	}

	return cmd
}

// SetupFlags adds the submission flags to cmd.
func SetupFlags(cmd *cobra.Command, opts *Options) error {
	cmd.Flags().StringVar(&opts.Meta.SampleID, "sample", "", "Sample number the plate belongs to")
	cmd.Flags().StringVar(&opts.Meta.SubmissionID, "submission", "", "Submission number")
	cmd.Flags().StringVar(&opts.Meta.Description, "description", "", "Free-text description")
	cmd.Flags().StringVar(&opts.Meta.CorrelationID, "correlation", "", "Correlation id echoed back by the server")
	cmd.Flags().BoolVar(&opts.Staged, "staged", false, "Stage the image first and submit the staged path")
	cmd.Flags().BoolVar(&opts.NoWait, "no-wait", false, "Do not poll for the result")
	return cmd.MarkFlagRequired("sample")
}

// Report is the printed outcome of a submission.
type Report struct {
	JobID        uint        `yaml:"job_id"`
	SampleID     string      `yaml:"sample_no"`
	StagedPath   string      `yaml:"staged_path,omitempty"`
	Status       string      `yaml:"status"`
	Distribution map[int]int `yaml:"distribution,omitempty"`
	Total        int         `yaml:"total"`
	Wells        int         `yaml:"wells,omitempty"`
	Polls        int         `yaml:"polls,omitempty"`
	Elapsed      string      `yaml:"elapsed,omitempty"`
	Error        string      `yaml:"error,omitempty"`
}

// Submitter submits images and polls their jobs with the client settings.
type Submitter struct {
	client      *inference.Client
	poller      *inference.Poller
	http        *httpclient.Client
	metrics     *observability.Metrics
	pushGateway string
	log         logger.Logger
}

// NewSubmitter builds the API client and poller from rt's settings.
func NewSubmitter(rt *runtime.Context) (*Submitter, error) {
	settings := rt.Settings.Client
	log := rt.Logger("submit")

	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	hc := httpclient.New(&httpclient.Config{DefaultTimeout: settings.RequestTimeout})
	client, err := inference.NewClient(settings.ServerURL, hc, log,
		inference.WithRequestTimeout(settings.RequestTimeout),
		inference.WithClientRecorder(metrics.Jobs))
	if err != nil {
		hc.Close()
		return nil, err
	}

	poller := inference.NewPoller(client, inference.Schedule{
		Initial:            settings.PollInitial,
		Max:                settings.PollMax,
		Deadline:           settings.PollDeadline,
		Growth:             settings.PollGrowth,
		MaxTransportErrors: settings.MaxTransportErrors,
	}, log, inference.WithPollRecorder(metrics.Jobs))

	return &Submitter{
		client:      client,
		poller:      poller,
		http:        hc,
		metrics:     metrics,
		pushGateway: settings.PushGateway,
		log:         log,
	}, nil
}

// Submit sends one image and, unless opts.NoWait is set, polls the job to a
// terminal state. A failed or timed-out job returns the report so far and
// the error.
func (s *Submitter) Submit(ctx context.Context, filename string, data []byte, opts Options) (*Report, error) {
	var sub inference.Submission = inference.FileSubmission{Filename: filename, Data: data, Meta: opts.Meta}
	report := &Report{SampleID: opts.Meta.SampleID}

	if opts.Staged {
		path, err := s.client.Stage(ctx, filename, data)
		if err != nil {
			return nil, err
		}
		report.StagedPath = path
		sub = inference.StagedSubmission{Path: path, Meta: opts.Meta}
	}

	id, err := s.client.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}
	report.JobID = uint(id)
	report.Status = string(inference.StatusPending)
	if opts.NoWait {
		return report, nil
	}

	var last inference.JobStatus
	result, err := s.poller.Poll(ctx, id, func(status inference.StatusResponse) {
		if status.Status != last {
			s.log.Info("job status changed",
				logger.Uint64("job_id", uint64(id)),
				logger.String("status", string(status.Status)))
			last = status.Status
		}
	})
	if err != nil {
		if last != "" {
			report.Status = string(last)
		}
		report.Error = err.Error()
		return report, err
	}

	report.Status = string(inference.StatusCompleted)
	report.Distribution = result.Distribution.Map()
	report.Total = result.Distribution.Total()
	report.Wells = len(result.Wells)
	report.Polls = result.Polls
	report.Elapsed = result.Elapsed.Round(time.Millisecond).String()
	return report, nil
}

// Close pushes the job metrics when a Pushgateway is configured and releases
// idle connections.
func (s *Submitter) Close(ctx context.Context) {
	defer s.http.Close()
	if s.pushGateway == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	if err := s.metrics.Push(ctx, s.pushGateway, pushJob); err != nil {
		s.log.Warn("failed to push job metrics", logger.Error(err))
	}
}

// Print writes the report as YAML.
func Print(w io.Writer, report *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("error encoding report: %w", err)
	}
	return enc.Close()
}
