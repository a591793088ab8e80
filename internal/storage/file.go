package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "keyq/pkg/logx"
)

const fileCompactEvery = 1000

// fileStore appends records to <prefix>.retired.jsonl. With a retention set,
// the file is rewritten without expired records on open and every
// fileCompactEvery appends.
type fileStore struct {
	log       logx.Logger
	path      string
	retention time.Duration

	mu     sync.Mutex
	f      *os.File
	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:       log,
		path:      filepath.Join(dir, base) + ".retired.jsonl",
		retention: cfg.Retention,
	}
	if s.retention > 0 {
		if err := s.rewrite(time.Now().Add(-s.retention)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("retired log compact failed", logx.Err(err))
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRetired(ctx context.Context, r Record) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("retired log closed")
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.retention > 0 && s.writes%fileCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("retired log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListRetired(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, errors.New("retired log closed")
	}

	var out []Record
	err := scanRecords(s.path, func(r Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if q.match(r) {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// File order is append order; newest first means reversed.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	s.f = nil
	rerr := s.rewrite(time.Now().Add(-s.retention))
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	return rerr
}

// rewrite keeps records at or after cutoff, replacing the file atomically.
func (s *fileStore) rewrite(cutoff time.Time) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	kept, dropped := 0, 0
	err = scanRecords(s.path, func(r Record) error {
		if r.At.Before(cutoff) {
			dropped++
			return nil
		}
		kept++
		return enc.Encode(r)
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	if dropped > 0 {
		s.log.Debug("retired log compacted", logx.Int("kept", kept), logx.Int("dropped", dropped))
	}
	return nil
}

// scanRecords calls fn for each decodable line of path. Torn or foreign lines
// are skipped.
func scanRecords(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	br := bufio.NewReader(f)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			var r Record
			if json.Unmarshal(line, &r) == nil && r.Key != "" {
				if ferr := fn(r); ferr != nil {
					return ferr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
