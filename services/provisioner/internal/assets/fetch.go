// Package assets downloads and installs the binary artifacts served to booting clients.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	gos3 "pxeprov/pkg/s3"
	"pxeprov/services/provisioner/internal/hostexec"
)

// ObjectGetter reads objects from S3-compatible storage.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// Action describes how an asset was satisfied.
type Action string

const (
	ActionDownloaded Action = "downloaded"
	ActionCopied     Action = "copied"
	ActionPresent    Action = "present"
)

// Result reports one fetched asset.
type Result struct {
	Name   string
	Path   string
	Action Action
	Bytes  int64
	SHA256 string
}

// Roots maps asset roots to host directories.
type Roots struct {
	Web  string
	TFTP string
	// Prefix is prepended to every host path, for staging into a scratch tree.
	Prefix string
}

func (r Roots) dir(root Root) (string, error) {
	var base string
	switch root {
	case RootWeb:
		base = r.Web
	case RootTFTP:
		base = r.TFTP
	default:
		return "", fmt.Errorf("unknown asset root %q", root)
	}
	if base == "" {
		return "", fmt.Errorf("%s root is not configured", root)
	}
	if r.Prefix != "" {
		base = filepath.Join(r.Prefix, base)
	}
	return base, nil
}

// Fetcher installs assets.
type Fetcher struct {
	client  *http.Client
	objects ObjectGetter
	runner  hostexec.Runner
	retries uint64
	backoff time.Duration
	logger  zerolog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the client used for http(s) sources.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithObjectGetter enables s3:// sources.
func WithObjectGetter(g ObjectGetter) Option {
	return func(f *Fetcher) { f.objects = g }
}

// WithRunner sets the runner used for ISO extraction.
func WithRunner(r hostexec.Runner) Option {
	return func(f *Fetcher) { f.runner = r }
}

// WithRetries retries transient download failures n times with exponential backoff.
func WithRetries(n int, backoff time.Duration) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.retries = uint64(n)
		}
		if backoff > 0 {
			f.backoff = backoff
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher returns a Fetcher. Without options it downloads over http(s) with no retries.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{Timeout: 30 * time.Minute},
		backoff: 2 * time.Second,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll installs every asset in order and stops at the first failure.
func (f *Fetcher) FetchAll(ctx context.Context, list []Asset, roots Roots) ([]Result, error) {
	results := make([]Result, 0, len(list))
	for _, a := range list {
		res, err := f.Fetch(ctx, a, roots)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Fetch installs a single asset. Assets already in place (matching the pinned digest when set)
// are left alone.
func (f *Fetcher) Fetch(ctx context.Context, a Asset, roots Roots) (Result, error) {
	base, err := roots.dir(a.Root)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", a.Name, err)
	}
	target, err := safeJoin(base, a.Dest)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", a.Name, err)
	}
	res := Result{Name: a.Name, Path: target}

	if ok, err := f.present(a, target); err != nil {
		return res, fmt.Errorf("%s: %w", a.Name, err)
	} else if ok {
		res.Action = ActionPresent
		f.logger.Info().Str("asset", a.Name).Str("path", target).Msg("already present")
		return res, nil
	}

	parent := target
	if a.Format == FormatFile {
		parent = filepath.Dir(target)
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return res, fmt.Errorf("%s: create %s: %w", a.Name, parent, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".part-*")
	if err != nil {
		return res, fmt.Errorf("%s: temp file: %w", a.Name, err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	res.Action = ActionDownloaded
	if a.Local != "" {
		if _, err := os.Stat(a.Local); err == nil {
			res.Action = ActionCopied
		}
	}

	var size int64
	var sum string
	if res.Action == ActionCopied {
		size, sum, err = copyTo(tmpName, func() (io.ReadCloser, error) { return os.Open(a.Local) })
	} else {
		size, sum, err = f.download(ctx, a, tmpName)
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", a.Name, err)
	}
	if a.SHA256 != "" && !strings.EqualFold(a.SHA256, sum) {
		return res, fmt.Errorf("%s: sha256 mismatch: expected %s got %s", a.Name, a.SHA256, sum)
	}
	res.Bytes, res.SHA256 = size, sum

	if a.Format == FormatFile {
		if err := os.Chmod(tmpName, 0o644); err != nil {
			return res, fmt.Errorf("%s: chmod: %w", a.Name, err)
		}
		if err := os.Rename(tmpName, target); err != nil {
			return res, fmt.Errorf("%s: install: %w", a.Name, err)
		}
	} else {
		if err := f.extract(ctx, a.Format, tmpName, target); err != nil {
			return res, fmt.Errorf("%s: extract: %w", a.Name, err)
		}
		if err := checkExpected(target, a.Expect); err != nil {
			return res, fmt.Errorf("%s: %w", a.Name, err)
		}
		if err := writeMarker(target, a, sum); err != nil {
			return res, fmt.Errorf("%s: %w", a.Name, err)
		}
	}

	f.logger.Info().
		Str("asset", a.Name).
		Str("path", target).
		Str("action", string(res.Action)).
		Int64("bytes", size).
		Msg("asset installed")
	return res, nil
}

func (f *Fetcher) download(ctx context.Context, a Asset, dest string) (int64, string, error) {
	var (
		size int64
		sum  string
	)
	backoff := retry.WithMaxRetries(f.retries, retry.NewExponential(f.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		size, sum, err = copyTo(dest, func() (io.ReadCloser, error) { return f.open(ctx, a.URL) })
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return err
			}
			f.logger.Warn().Err(err).Str("asset", a.Name).Msg("download failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	return size, sum, err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func (f *Fetcher) open(ctx context.Context, src string) (io.ReadCloser, error) {
	if gos3.IsURL(src) {
		if f.objects == nil {
			return nil, &permanentError{fmt.Errorf("s3 source %s without s3 client", src)}
		}
		bucket, key, err := gos3.ParseURL(src)
		if err != nil {
			return nil, &permanentError{err}
		}
		body, _, err := f.objects.GetObject(ctx, bucket, key)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", src, err)
		}
		return body, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, &permanentError{fmt.Errorf("build request: %w", err)}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", src, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("get %s: unexpected status %s", src, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, &permanentError{err}
		}
		return nil, err
	}
	return resp.Body, nil
}

func copyTo(dest string, open func() (io.ReadCloser, error)) (int64, string, error) {
	src, err := open()
	if err != nil {
		return 0, "", err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, "", err
	}
	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, hash), src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, "", fmt.Errorf("write %s: %w", filepath.Base(dest), err)
	}
	return n, hex.EncodeToString(hash.Sum(nil)), nil
}

func (f *Fetcher) present(a Asset, target string) (bool, error) {
	if a.Format != FormatFile {
		data, err := os.ReadFile(filepath.Join(target, markerName(a.Name)))
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return markerMatches(string(data), a), nil
	}

	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", target)
	}
	if a.SHA256 == "" {
		return info.Size() > 0, nil
	}
	sum, err := fileSHA256(target)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(sum, a.SHA256), nil
}

func fileSHA256(p string) (string, error) {
	file, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func markerName(name string) string {
	return ".pxeprov-" + name
}

func writeMarker(dir string, a Asset, sum string) error {
	content := fmt.Sprintf("url=%s\nsha256=%s\n", a.URL, sum)
	if err := os.WriteFile(filepath.Join(dir, markerName(a.Name)), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

func markerMatches(content string, a Asset) bool {
	fields := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			fields[k] = v
		}
	}
	if a.SHA256 != "" {
		return strings.EqualFold(fields["sha256"], a.SHA256)
	}
	return fields["url"] == a.URL
}

func checkExpected(dir string, files []string) error {
	var missing []string
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f))); err != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("archive did not contain %s", strings.Join(missing, ", "))
	}
	return nil
}

// safeJoin joins rel below base, rejecting paths that escape it.
func safeJoin(base, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path %q", rel)
	}
	return filepath.Join(base, clean), nil
}
