package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// maxFileRuns bounds the history kept in the file store.
const maxFileRuns = 20

type fileDoc struct {
	Runs []*Run `yaml:"runs"`
}

// FileStore keeps the run history in a yaml file.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) load() (fileDoc, error) {
	var doc fileDoc
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("read journal: %w", err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("parse journal %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *FileStore) Save(_ context.Context, run *Run) error {
	if run == nil {
		return errors.New("nil run")
	}
	doc, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i, r := range doc.Runs {
		if r.ID == run.ID {
			doc.Runs[i] = run
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Runs = append(doc.Runs, run)
	}
	if len(doc.Runs) > maxFileRuns {
		doc.Runs = doc.Runs[len(doc.Runs)-maxFileRuns:]
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Last(context.Context) (*Run, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(doc.Runs) == 0 {
		return nil, nil
	}
	return doc.Runs[len(doc.Runs)-1], nil
}

// History returns every stored run, oldest first.
func (s *FileStore) History(context.Context) ([]*Run, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Runs, nil
}
