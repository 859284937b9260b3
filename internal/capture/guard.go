package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
)

// Source produces raw image bytes.
type Source interface {
	Capture(ctx context.Context) ([]byte, error)
}

// PostProcessor turns raw capture bytes into the file handed to submission.
type PostProcessor func(ctx context.Context, attempt *Attempt, data []byte) (File, error)

// Guard runs capture attempts asynchronously against one Session. Attempts
// are never cancelled when superseded; their commit is simply refused.
type Guard struct {
	session *Session
	source  Source
	log     logger.Logger
	wg      sync.WaitGroup
}

// NewGuard returns a guard capturing from source into session.
func NewGuard(session *Session, source Source, log logger.Logger) *Guard {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Guard{session: session, source: source, log: log.Module("capture")}
}

// Session returns the guarded session.
func (g *Guard) Session() *Session {
	return g.session
}

// Capture begins a new attempt and runs capture plus post-processing in the
// background. The returned attempt is already the active one.
func (g *Guard) Capture(ctx context.Context, post PostProcessor) *Attempt {
	attempt := g.session.Begin()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(ctx, attempt, post)
	}()
	return attempt
}

func (g *Guard) run(ctx context.Context, attempt *Attempt, post PostProcessor) {
	log := g.log.With(logger.String("attempt_id", attempt.ID().String()))
	start := time.Now()

	data, err := g.source.Capture(ctx)
	if err == nil && post != nil {
		var f File
		f, err = post(ctx, attempt, data)
		if err == nil {
			err = attempt.Commit(f)
			if err == nil {
				log.Info("capture ready", logger.Duration("duration", time.Since(start)))
				return
			}
		}
	} else if err == nil {
		err = attempt.Commit(File{Data: data, CapturedAt: time.Now()})
		if err == nil {
			return
		}
	}

	if errors.Is(err, errors.ErrSuperseded) {
		log.Debug("capture superseded by a newer attempt")
		return
	}
	if failErr := attempt.Fail(err); failErr != nil {
		log.Debug("capture failed after being superseded", logger.Error(err))
		return
	}
	log.Warn("capture failed", logger.Error(err))
}

// Wait blocks until the active attempt has a ready file, failed, or ctx is
// done, and takes the file. Attempts begun while waiting replace the one
// being waited for.
func (g *Guard) Wait(ctx context.Context) (File, error) {
	for {
		ready, failure, changed := g.session.state()
		if ready {
			if f, ok := g.session.Take(); ok {
				return f, nil
			}
			continue
		}
		if failure != nil {
			return File{}, failure
		}
		select {
		case <-ctx.Done():
			return File{}, errors.New(ctx.Err()).
				Component("capture").
				Category(errors.CategoryCancellation).
				Build()
		case <-changed:
		}
	}
}

// Drain waits for every started attempt to finish.
func (g *Guard) Drain() {
	g.wg.Wait()
}

// SaveTo returns a PostProcessor that writes the capture to dir, named after
// the attempt.
func SaveTo(dir string) PostProcessor {
	return func(_ context.Context, attempt *Attempt, data []byte) (File, error) {
		if len(data) == 0 {
			return File{}, errors.Newf("capture returned no data").
				Component("capture").
				Category(errors.CategoryCapture).
				Build()
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return File{}, errors.New(err).
				Component("capture").
				Category(errors.CategoryFileIO).
				Context("dir", dir).
				Build()
		}
		path := filepath.Join(dir, fmt.Sprintf("capture-%s.jpg", attempt.ID()))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return File{}, errors.New(err).
				Component("capture").
				Category(errors.CategoryFileIO).
				Context("path", path).
				Build()
		}
		return File{Path: path, Data: data, CapturedAt: time.Now()}, nil
	}
}
