package assets

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pxeprov/services/provisioner/internal/config"
)

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func serve(t *testing.T, files map[string][]byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testRoots(t *testing.T) Roots {
	dir := t.TempDir()
	return Roots{Web: filepath.Join(dir, "www"), TFTP: filepath.Join(dir, "tftp")}
}

func TestFetchFile(t *testing.T) {
	payload := []byte("wimboot binary")
	srv, hits := serve(t, map[string][]byte{"/wimboot": payload})
	roots := testRoots(t)
	f := NewFetcher(WithHTTPClient(srv.Client()))

	a := Asset{Name: Wimboot, URL: srv.URL + "/wimboot", Root: RootWeb, Dest: "ipxe/wimboot", SHA256: digest(payload)}
	res, err := f.Fetch(context.Background(), a, roots)
	require.NoError(t, err)
	assert.Equal(t, ActionDownloaded, res.Action)
	assert.Equal(t, int64(len(payload)), res.Bytes)
	assert.Equal(t, filepath.Join(roots.Web, "ipxe", "wimboot"), res.Path)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	res, err = f.Fetch(context.Background(), a, roots)
	require.NoError(t, err)
	assert.Equal(t, ActionPresent, res.Action)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchDigestMismatch(t *testing.T) {
	srv, _ := serve(t, map[string][]byte{"/ipxe.efi": []byte("tampered")})
	roots := testRoots(t)
	f := NewFetcher(WithHTTPClient(srv.Client()))

	a := Asset{Name: IPXEEFI, URL: srv.URL + "/ipxe.efi", Root: RootTFTP, Dest: "ipxe.efi", SHA256: digest([]byte("original"))}
	_, err := f.Fetch(context.Background(), a, roots)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sha256 mismatch")

	_, statErr := os.Stat(filepath.Join(roots.TFTP, "ipxe.efi"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
	entries, err := os.ReadDir(roots.TFTP)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file left behind")
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	srv, hits := serve(t, map[string][]byte{})
	f := NewFetcher(WithHTTPClient(srv.Client()), WithRetries(3, time.Millisecond))

	a := Asset{Name: Wimboot, URL: srv.URL + "/missing", Root: RootWeb, Dest: "wimboot"}
	_, err := f.Fetch(context.Background(), a, testRoots(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	a := Asset{Name: Wimboot, URL: srv.URL + "/wimboot", Root: RootWeb, Dest: "wimboot"}

	_, err := NewFetcher(WithHTTPClient(srv.Client())).Fetch(context.Background(), a, testRoots(t))
	require.Error(t, err, "no retries by default")

	calls.Store(0)
	res, err := NewFetcher(WithHTTPClient(srv.Client()), WithRetries(3, time.Millisecond)).Fetch(context.Background(), a, testRoots(t))
	require.NoError(t, err)
	assert.Equal(t, ActionDownloaded, res.Action)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPrefersLocalCopy(t *testing.T) {
	local := filepath.Join(t.TempDir(), "undionly.kpxe")
	require.NoError(t, os.WriteFile(local, []byte("from package"), 0o644))
	roots := testRoots(t)

	a := Asset{Name: Undionly, URL: "http://127.0.0.1:1/unreachable", Local: local, Root: RootTFTP, Dest: "undionly.kpxe"}
	res, err := NewFetcher().Fetch(context.Background(), a, roots)
	require.NoError(t, err)
	assert.Equal(t, ActionCopied, res.Action)

	got, err := os.ReadFile(filepath.Join(roots.TFTP, "undionly.kpxe"))
	require.NoError(t, err)
	assert.Equal(t, "from package", string(got))
}

type fakeObjects struct {
	bucket, key string
	body        []byte
}

func (f *fakeObjects) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	f.bucket, f.key = bucket, key
	return io.NopCloser(bytes.NewReader(f.body)), int64(len(f.body)), nil
}

func TestFetchFromS3(t *testing.T) {
	objects := &fakeObjects{body: []byte("mirrored")}
	roots := testRoots(t)
	f := NewFetcher(WithObjectGetter(objects))

	a := Asset{Name: Wimboot, URL: "s3://boot-mirror/pxe/wimboot", Root: RootWeb, Dest: "ipxe/wimboot"}
	_, err := f.Fetch(context.Background(), a, roots)
	require.NoError(t, err)
	assert.Equal(t, "boot-mirror", objects.bucket)
	assert.Equal(t, "pxe/wimboot", objects.key)

	_, err = NewFetcher().Fetch(context.Background(), Asset{Name: "x", URL: "s3://b/k", Root: RootWeb, Dest: "x"}, roots)
	require.Error(t, err)
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFetchZipArchive(t *testing.T) {
	archive := zipArchive(t, map[string]string{"memtest64.bin": "bios", "memtest64.efi": "efi", "README.md": "docs"})
	srv, hits := serve(t, map[string][]byte{"/mt86plus.zip": archive})
	roots := testRoots(t)
	f := NewFetcher(WithHTTPClient(srv.Client()))

	a := Asset{
		Name:   Memtest,
		URL:    srv.URL + "/mt86plus.zip",
		Root:   RootWeb,
		Dest:   "ipxe/memtest",
		Format: FormatZip,
		Expect: []string{"memtest64.bin", "memtest64.efi"},
	}
	_, err := f.Fetch(context.Background(), a, roots)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(roots.Web, "ipxe", "memtest", "memtest64.efi"))
	require.NoError(t, err)
	assert.Equal(t, "efi", string(got))

	res, err := f.Fetch(context.Background(), a, roots)
	require.NoError(t, err)
	assert.Equal(t, ActionPresent, res.Action)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchZipMissingExpected(t *testing.T) {
	srv, _ := serve(t, map[string][]byte{"/mt.zip": zipArchive(t, map[string]string{"other.bin": "x"})})
	a := Asset{Name: Memtest, URL: srv.URL + "/mt.zip", Root: RootWeb, Dest: "memtest", Format: FormatZip, Expect: []string{"memtest64.efi"}}

	_, err := NewFetcher(WithHTTPClient(srv.Client())).Fetch(context.Background(), a, testRoots(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memtest64.efi")
}

func TestZipRejectsTraversal(t *testing.T) {
	srv, _ := serve(t, map[string][]byte{"/evil.zip": zipArchive(t, map[string]string{"../../etc/passwd": "root"})})
	a := Asset{Name: "evil", URL: srv.URL + "/evil.zip", Root: RootWeb, Dest: "evil", Format: FormatZip}

	roots := testRoots(t)
	_, err := NewFetcher(WithHTTPClient(srv.Client())).Fetch(context.Background(), a, roots)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(roots.Web), "etc", "passwd"))
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestFetchTarZst(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	body := []byte("vmlinuz")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "./casper/vmlinuz", Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	srv, _ := serve(t, map[string][]byte{"/live.tar.zst": buf.Bytes()})
	roots := testRoots(t)
	a := Asset{Name: "ubuntu-live", URL: srv.URL + "/live.tar.zst", Root: RootWeb, Dest: "ipxe/ubuntu-live", Format: FormatTarZst, Expect: []string{"casper/vmlinuz"}}

	_, err = NewFetcher(WithHTTPClient(srv.Client())).Fetch(context.Background(), a, roots)
	require.NoError(t, err)
}

type recordRunner struct {
	calls [][]string
}

func (r *recordRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return "", nil
}

func TestFetchISOUsesRunner(t *testing.T) {
	srv, _ := serve(t, map[string][]byte{"/hbcd.iso": []byte("iso9660")})
	runner := &recordRunner{}
	roots := testRoots(t)

	a := Asset{Name: Hirens, URL: srv.URL + "/hbcd.iso", Root: RootWeb, Dest: "ipxe/hirens", Format: FormatISO}
	_, err := NewFetcher(WithHTTPClient(srv.Client()), WithRunner(runner)).Fetch(context.Background(), a, roots)
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)

	call := runner.calls[0]
	assert.Equal(t, "7z", call[0])
	assert.Equal(t, "-o"+filepath.Join(roots.Web, "ipxe", "hirens"), call[3])
	assert.True(t, strings.HasPrefix(filepath.Base(call[4]), ".hirens.part-"))
}

func TestCatalog(t *testing.T) {
	cfg := config.ServerConfig{
		IPXEDir: "ipxe",
		AssetDirs: map[string]string{
			config.AssetMemtest: "ipxe/memtest",
			config.AssetHirens:  "ipxe/hirens",
		},
	}

	list := Catalog(cfg, config.AssetSettings{})
	names := make([]string, 0, len(list))
	for _, a := range list {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{Wimboot, Undionly, IPXEEFI, Memtest}, names)

	hirens := true
	list = Catalog(cfg, config.AssetSettings{
		Hirens: &hirens,
		Mirror: "s3://mirror/pxe/",
		URLs:   map[string]string{Wimboot: "http://local/wimboot"},
		SHA256: map[string]string{Memtest: "ABCDEF"},
	})
	require.Len(t, list, 5)
	assert.Equal(t, "http://local/wimboot", list[0].URL)
	assert.Equal(t, "s3://mirror/pxe/undionly.kpxe", list[1].URL)
	assert.Equal(t, "abcdef", list[3].SHA256)
	assert.Equal(t, "ipxe/hirens", list[4].Dest)
	assert.Equal(t, FormatISO, list[4].Format)
}

func TestSafeJoin(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "../x", "/etc/passwd"} {
		_, err := safeJoin("/srv", bad)
		assert.Error(t, err, bad)
	}
	got, err := safeJoin("/srv", "a/../b/c")
	require.NoError(t, err)
	assert.Equal(t, "/srv/b/c", got)
}
