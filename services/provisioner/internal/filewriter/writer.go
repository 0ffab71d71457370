// Package filewriter persists rendered documents, keeping one backup of the pre-existing file.
package filewriter

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"pxeprov/services/provisioner/internal/confgen"
)

// Action describes what Write did to a target.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
)

// BackupSuffix is appended to the target path for the saved original.
const BackupSuffix = ".bak"

// AbsentSuffix marks a target that did not exist before pxeprov created it.
// Such targets never get a backup.
const AbsentSuffix = ".orig-absent"

// ErrUnterminatedBlock is returned when a BEGIN marker has no matching END line.
var ErrUnterminatedBlock = errors.New("managed block has no end marker")

// Result reports the outcome for one document.
type Result struct {
	Name   string
	Path   string
	Action Action
	// Backup is set when this write created the backup file.
	Backup string
}

// Writer applies documents to an FS.
type Writer struct {
	fs     FS
	dryRun bool
	logger zerolog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithDryRun computes results without writing anything.
func WithDryRun(dry bool) Option {
	return func(w *Writer) { w.dryRun = dry }
}

// WithLogger sets the logger used for per-file messages.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// New returns a Writer over fsys.
func New(fsys FS, opts ...Option) (*Writer, error) {
	if fsys == nil {
		return nil, errors.New("file system is required")
	}
	w := &Writer{fs: fsys, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// WriteAll writes docs in order, stopping at the first failure.
func (w *Writer) WriteAll(docs []confgen.Document) ([]Result, error) {
	results := make([]Result, 0, len(docs))
	for _, d := range docs {
		res, err := w.Write(d)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Write persists doc. An existing target is copied to <path>.bak only if no backup exists yet,
// so the first backup holds the file as it was before the first run. A target that did not
// exist is recorded with an empty <path>.orig-absent marker instead and is never backed up.
func (w *Writer) Write(doc confgen.Document) (Result, error) {
	res := Result{Name: doc.Name, Path: doc.Path}
	if !path.IsAbs(doc.Path) {
		return res, fmt.Errorf("%s: target path %q is not absolute", doc.Name, doc.Path)
	}

	existing, err := w.fs.ReadFile(doc.Path)
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return res, fmt.Errorf("%s: read %s: %w", doc.Name, doc.Path, err)
	}

	var content []byte
	switch doc.Merge {
	case confgen.MergeReplace, "":
		content = []byte(doc.Content)
	case confgen.MergeManagedBlock:
		if doc.Marker == "" {
			return res, fmt.Errorf("%s: managed block without marker", doc.Name)
		}
		content, err = MergeBlock(existing, doc.Marker, doc.Content)
		if err != nil {
			return res, fmt.Errorf("%s: %s: %w", doc.Name, doc.Path, err)
		}
	default:
		return res, fmt.Errorf("%s: unknown merge mode %q", doc.Name, doc.Merge)
	}

	if existed && bytes.Equal(existing, content) {
		res.Action = ActionUnchanged
		w.logger.Debug().Str("path", doc.Path).Msg("unchanged")
		return res, nil
	}

	mode := doc.Mode
	if mode == 0 {
		mode = 0o644
	}

	res.Action = ActionCreated
	if existed {
		res.Action = ActionUpdated
		backup := doc.Path + BackupSuffix
		absent, err := w.exists(doc.Path + AbsentSuffix)
		if err != nil {
			return res, fmt.Errorf("%s: %w", doc.Name, err)
		}
		saved, err := w.exists(backup)
		if err != nil {
			return res, fmt.Errorf("%s: %w", doc.Name, err)
		}
		if !absent && !saved {
			if !w.dryRun {
				if err := w.fs.WriteFile(backup, existing, mode); err != nil {
					return res, fmt.Errorf("%s: backup: %w", doc.Name, err)
				}
			}
			res.Backup = backup
		}
	}

	if w.dryRun {
		w.logger.Info().Str("path", doc.Path).Str("action", string(res.Action)).Msg("dry run")
		return res, nil
	}

	if err := w.fs.MkdirAll(path.Dir(doc.Path), 0o755); err != nil {
		return res, fmt.Errorf("%s: create directory: %w", doc.Name, err)
	}
	if err := w.fs.WriteFile(doc.Path, content, mode); err != nil {
		return res, fmt.Errorf("%s: %w", doc.Name, err)
	}
	if !existed {
		if err := w.fs.WriteFile(doc.Path+AbsentSuffix, nil, 0o644); err != nil {
			return res, fmt.Errorf("%s: record absent original: %w", doc.Name, err)
		}
	}
	w.logger.Info().Str("path", doc.Path).Str("action", string(res.Action)).Str("backup", res.Backup).Msg("wrote config")
	return res, nil
}

func (w *Writer) exists(name string) (bool, error) {
	_, err := w.fs.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return true, nil
}

// MergeBlock replaces the block delimited by marker in existing, or appends it.
// A BEGIN line without its END line is an error.
func MergeBlock(existing []byte, marker, block string) ([]byte, error) {
	begin := "# BEGIN " + marker
	end := "# END " + marker

	if !strings.HasSuffix(block, "\n") {
		block += "\n"
	}
	managed := begin + "\n" + block + end + "\n"

	text := string(existing)
	if start := indexLine(text, begin); start >= 0 {
		stop := indexLine(text[start:], end)
		if stop < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnterminatedBlock, begin)
		}
		stop += start + len(end)
		if stop < len(text) && text[stop] == '\n' {
			stop++
		}
		return []byte(text[:start] + managed + text[stop:]), nil
	}

	var b strings.Builder
	b.WriteString(text)
	if text != "" {
		if !strings.HasSuffix(text, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(managed)
	return []byte(b.String()), nil
}

// indexLine finds line as a whole line in text.
func indexLine(text, line string) int {
	offset := 0
	for {
		i := strings.Index(text[offset:], line)
		if i < 0 {
			return -1
		}
		i += offset
		startOK := i == 0 || text[i-1] == '\n'
		endIdx := i + len(line)
		endOK := endIdx == len(text) || text[endIdx] == '\n'
		if startOK && endOK {
			return i
		}
		offset = i + 1
	}
}
