// Package staging stores uploaded plate images. Staged images are addressed by
// a short-lived token of the form "staged/<uuid><ext>" that a later predict
// request claims; an unclaimed image is removed when its token expires.
// Claimed and directly uploaded images end up in the same directory.
package staging

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/platelab/platevision/internal/errors"
	"github.com/platelab/platevision/internal/logger"
)

// TokenPrefix starts every staging token.
const TokenPrefix = "staged/"

const (
	stagedDir  = "staged"
	uploadsDir = "uploads"
	defaultExt = ".jpg"
)

// entry is retired exactly once, either by Claim or by eviction.
type entry struct {
	path    string
	retired atomic.Bool
}

// Store writes images below a root directory and indexes staged ones.
type Store struct {
	root  string
	ttl   time.Duration
	index *cache.Cache
	log   logger.Logger
}

// New returns a store rooted at dir whose tokens live for ttl.
func New(dir string, ttl time.Duration, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDiscard()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	for _, sub := range []string{stagedDir, uploadsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.New(err).
				Component("staging").
				Category(errors.CategoryFileIO).
				Context("dir", dir).
				Build()
		}
	}

	s := &Store{
		root:  dir,
		ttl:   ttl,
		index: cache.New(ttl, min(ttl, time.Minute)),
		log:   log.Module("staging"),
	}
	s.index.OnEvicted(s.evicted)
	return s, nil
}

// SaveUpload writes an image received with a predict request and returns its path.
func (s *Store) SaveUpload(filename string, data []byte) (string, error) {
	path, _, err := s.write(uploadsDir, filename, data)
	return path, err
}

// Stage writes an image and returns its token and expiry.
func (s *Store) Stage(filename string, data []byte) (string, time.Time, error) {
	path, name, err := s.write(stagedDir, filename, data)
	if err != nil {
		return "", time.Time{}, err
	}
	token := TokenPrefix + name
	expires := time.Now().Add(s.ttl)
	s.index.Set(token, &entry{path: path}, cache.DefaultExpiration)
	s.log.Debug("image staged", logger.String("token", token))
	return token, expires, nil
}

// Claim retires token and moves its image next to direct uploads, so a run
// stores the same kind of path whichever way the image arrived.
func (s *Store) Claim(token string) (string, error) {
	v, ok := s.index.Get(token)
	if !ok {
		return "", unknownToken(token)
	}
	e := v.(*entry)
	if !e.retired.CompareAndSwap(false, true) {
		return "", unknownToken(token)
	}
	path := filepath.Join(s.root, uploadsDir, filepath.Base(e.path))
	if err := os.Rename(e.path, path); err != nil {
		e.retired.Store(false)
		return "", errors.New(err).
			Component("staging").
			Category(errors.CategoryFileIO).
			Context("token", token).
			Build()
	}
	s.index.Delete(token)
	return path, nil
}

// IsToken reports whether p has the shape of a staging token.
func IsToken(p string) bool {
	return strings.HasPrefix(p, TokenPrefix) && len(p) > len(TokenPrefix)
}

// Pending returns the number of unclaimed tokens.
func (s *Store) Pending() int {
	return s.index.ItemCount()
}

// Expire drops every token whose time has passed. The janitor does this
// periodically; tests call it directly.
func (s *Store) Expire() {
	s.index.DeleteExpired()
}

func (s *Store) evicted(token string, v any) {
	e, ok := v.(*entry)
	if !ok || !e.retired.CompareAndSwap(false, true) {
		return
	}
	if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove expired staged image",
			logger.String("token", token),
			logger.Error(err))
		return
	}
	s.log.Debug("staged image expired", logger.String("token", token))
}

func unknownToken(token string) error {
	return errors.Domain(errors.ErrInvalidRequest, "unknown or expired staging path %q", token).
		Component("staging").
		Build()
}

func (s *Store) write(sub, filename string, data []byte) (path, name string, err error) {
	if len(data) == 0 {
		return "", "", errors.Domain(errors.ErrInvalidRequest, "image is empty").
			Component("staging").
			Build()
	}
	name = uuid.NewString() + extension(filename)
	path = filepath.Join(s.root, sub, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", "", errors.New(err).
			Component("staging").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return path, name, nil
}

// extension keeps a short alphanumeric extension of filename, lower-cased.
func extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) < 2 || len(ext) > 6 {
		return defaultExt
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return defaultExt
		}
	}
	return ext
}
