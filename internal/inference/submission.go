package inference

import (
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/platelab/platevision/internal/errors"
)

// Meta is the caller-supplied identity of a submission.
type Meta struct {
	SampleID      string
	SubmissionID  string
	Description   string
	CorrelationID string
}

// Submission is either a FileSubmission or a StagedSubmission. The unexported
// method keeps other implementations out.
type Submission interface {
	meta() Meta
	kind() string
	validate() error
	writeImage(w *multipart.Writer) error
}

// FileSubmission uploads raw image bytes.
type FileSubmission struct {
	Filename string
	Data     []byte
	Meta     Meta
}

// StagedSubmission references an image uploaded earlier with Client.Stage.
type StagedSubmission struct {
	Path string
	Meta Meta
}

// Submission kinds, used in logs and metrics.
const (
	KindFile   = "file"
	KindStaged = "staged"
)

func (s FileSubmission) meta() Meta   { return s.Meta }
func (s StagedSubmission) meta() Meta { return s.Meta }

func (FileSubmission) kind() string   { return KindFile }
func (StagedSubmission) kind() string { return KindStaged }

func (s FileSubmission) validate() error {
	if len(s.Data) == 0 {
		return invalidSubmission("file submission has no data")
	}
	return validateMeta(s.Meta)
}

func (s StagedSubmission) validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return invalidSubmission("staged submission has no path")
	}
	return validateMeta(s.Meta)
}

func (s FileSubmission) writeImage(w *multipart.Writer) error {
	name := filepath.Base(s.Filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "plate.jpg"
	}
	part, err := w.CreateFormFile(FieldFile, name)
	if err != nil {
		return err
	}
	_, err = part.Write(s.Data)
	return err
}

func (s StagedSubmission) writeImage(w *multipart.Writer) error {
	return w.WriteField(FieldImagePath, s.Path)
}

func validateMeta(m Meta) error {
	if strings.TrimSpace(m.SampleID) == "" {
		return invalidSubmission("sample id is required")
	}
	return nil
}

// checkSubmission rejects nil submissions, including typed nil pointers.
func checkSubmission(sub Submission) (Submission, error) {
	switch s := sub.(type) {
	case nil:
		return nil, invalidSubmission("submission is nil")
	case *FileSubmission:
		if s == nil {
			return nil, invalidSubmission("submission is nil")
		}
		sub = *s
	case *StagedSubmission:
		if s == nil {
			return nil, invalidSubmission("submission is nil")
		}
		sub = *s
	}
	if err := sub.validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

// writeSubmission writes the shared fields and then the image part, so both
// variants produce the same request shape.
func writeSubmission(w *multipart.Writer, sub Submission) error {
	m := sub.meta()
	fields := [][2]string{
		{FieldSampleID, m.SampleID},
		{FieldSubmissionID, m.SubmissionID},
		{FieldDescription, m.Description},
		{FieldCorrelationID, m.CorrelationID},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	return sub.writeImage(w)
}

func invalidSubmission(msg string) error {
	return errors.Domain(errors.ErrInvalidRequest, "%s", msg).
		Component("inference").
		Build()
}
