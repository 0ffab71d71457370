// Package bundler builds and imports signed offline bundles of boot assets.
package bundler

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	gos3 "pxeprov/pkg/s3"
)

const (
	manifestFileName   = "manifest.yaml"
	artifactsTarPrefix = "artifacts"
	manifestVersion    = "1"
)

// Build assembles a bundle from the configured trees and writes the tar.zst archive to Output.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if len(cfg.Trees) == 0 {
		return nil, errors.New("at least one tree is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Upload != "" && cfg.S3 == nil {
		return nil, errors.New("s3 client is required for upload")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []ManifestArtifact
	dirs := map[string]string{}
	for _, tree := range cfg.Trees {
		if _, dup := dirs[tree.Name]; dup || tree.Name == "" {
			return nil, fmt.Errorf("invalid or duplicate tree name %q", tree.Name)
		}
		dirs[tree.Name] = tree.Dir
		found, err := collectArtifacts(ctx, tree)
		if err != nil {
			return nil, err
		}
		entries = append(entries, found...)
	}
	if len(entries) == 0 {
		return nil, errors.New("no artifacts found to bundle")
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Tree != entries[j].Tree {
			return entries[i].Tree < entries[j].Tree
		}
		return entries[i].Path < entries[j].Path
	})

	manifest := &Manifest{
		Version:          manifestVersion,
		CreatedAt:        cfg.Now().UTC().Truncate(time.Second),
		Signer:           cfg.Signer.Recipient(),
		SigningPublicKey: cfg.Signer.PublicKeyBase64(),
		Artifacts:        entries,
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeBundle(cfg.Output, manifestBytes, dirs, entries, manifest.CreatedAt); err != nil {
		return nil, err
	}
	fmt.Fprintf(cfg.Stdout, "wrote bundle %s (%d artifacts, %d bytes)\n", cfg.Output, len(entries), manifest.TotalSize())

	if cfg.Upload != "" {
		if err := upload(ctx, cfg.S3, cfg.Output, cfg.Upload); err != nil {
			return nil, err
		}
		fmt.Fprintf(cfg.Stdout, "uploaded bundle to %s\n", cfg.Upload)
	}
	return manifest, nil
}

func collectArtifacts(ctx context.Context, tree Tree) ([]ManifestArtifact, error) {
	start := tree.Dir
	if tree.Include != "" {
		start = filepath.Join(tree.Dir, filepath.FromSlash(tree.Include))
	}
	info, err := os.Stat(start)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", start, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", start)
	}

	var artifacts []ManifestArtifact
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if skipArtifact(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(tree.Dir, p)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", p, err)
		}
		rel = filepath.ToSlash(rel)

		size, sha, err := hashFile(p)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, ManifestArtifact{
			Tree:   tree.Name,
			Path:   rel,
			Kind:   inferKind(rel),
			Size:   size,
			SHA256: sha,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

func hashFile(p string) (int64, string, error) {
	file, err := os.Open(p)
	if err != nil {
		return 0, "", fmt.Errorf("open %q: %w", p, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return 0, "", fmt.Errorf("hash %q: %w", p, err)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

func tarName(tree, rel string) string {
	return path.Join(artifactsTarPrefix, tree, rel)
}

func writeBundle(output string, manifest []byte, dirs map[string]string, entries []ManifestArtifact, modTime time.Time) (err error) {
	dir := filepath.Dir(output)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest body: %w", err)
	}

	for _, entry := range entries {
		if err := appendFile(tw, dirs[entry.Tree], entry); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func appendFile(tw *tar.Writer, dir string, entry ManifestArtifact) error {
	fullPath := filepath.Join(dir, filepath.FromSlash(entry.Path))
	file, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", entry.Path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %q: %w", entry.Path, err)
	}
	if info.Size() != entry.Size {
		return fmt.Errorf("%q changed while bundling", entry.Path)
	}

	header := &tar.Header{
		Name:     tarName(entry.Tree, entry.Path),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header for %q: %w", entry.Path, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("copy %q: %w", entry.Path, err)
	}
	return nil
}

func upload(ctx context.Context, store ObjectStore, file, target string) error {
	bucket, key, err := gos3.ParseURL(target)
	if err != nil {
		return err
	}
	size, sha, err := hashFile(file)
	if err != nil {
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	if err := store.PutObject(ctx, bucket, key, f, size, sha); err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}
	return nil
}

// skipArtifact reports files that belong to the host rather than the tree:
// in-flight downloads and config backups.
func skipArtifact(name string) bool {
	if strings.Contains(name, ".part-") || strings.Contains(name, ".tmp-") {
		return true
	}
	return strings.HasSuffix(name, ".bak") || strings.HasSuffix(name, ".orig-absent")
}

func inferKind(p string) string {
	lower := strings.ToLower(p)
	base := path.Base(lower)
	switch {
	case strings.HasSuffix(lower, ".efi"):
		return "efi"
	case strings.HasSuffix(lower, ".kpxe") || strings.HasSuffix(lower, ".pxe"):
		return "pxe"
	case strings.HasSuffix(lower, ".ipxe"):
		return "ipxe-script"
	case strings.HasSuffix(lower, ".wim"):
		return "wim"
	case strings.HasSuffix(lower, ".sdi") || base == "bcd":
		return "wim-boot"
	case strings.HasSuffix(lower, ".iso"):
		return "iso"
	case base == "wimboot" || base == "vmlinuz" || strings.HasSuffix(lower, ".bin"):
		return "kernel"
	case strings.HasPrefix(base, "initrd"):
		return "initrd"
	default:
		return "file"
	}
}

// Import verifies a bundle and installs its files into the configured trees.
func Import(ctx context.Context, cfg ImportConfig) (*Manifest, error) {
	if cfg.BundlePath == "" {
		return nil, errors.New("bundle file is required")
	}
	if len(cfg.Trees) == 0 {
		return nil, errors.New("at least one target tree is required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "pxeprov-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	bundlePath := cfg.BundlePath
	if gos3.IsURL(bundlePath) {
		if cfg.S3 == nil {
			return nil, errors.New("s3 client is required for s3:// bundles")
		}
		bundlePath, err = download(ctx, cfg.S3, cfg.BundlePath, tempDir)
		if err != nil {
			return nil, err
		}
	}

	manifestBytes, files, err := unpack(ctx, bundlePath, filepath.Join(tempDir, "unpacked"))
	if err != nil {
		return nil, err
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("bundle missing manifest.yaml")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}
	if manifest.Signature == "" {
		return nil, errors.New("manifest missing signature")
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("verify manifest signature: %w", err)
	}
	fmt.Fprintf(cfg.Stdout, "verified manifest signed at %s\n", manifest.CreatedAt.Format(time.RFC3339))

	type install struct {
		src, dst string
		art      ManifestArtifact
	}
	plan := make([]install, 0, len(manifest.Artifacts))
	for _, art := range manifest.Artifacts {
		relative := path.Clean(art.Path)
		if relative == "." || strings.HasPrefix(relative, "../") || relative == ".." || path.IsAbs(relative) {
			return nil, fmt.Errorf("invalid artifact path %q", art.Path)
		}
		root, ok := cfg.Trees[art.Tree]
		if !ok {
			return nil, fmt.Errorf("artifact %q targets unknown tree %q", relative, art.Tree)
		}
		tempPath, ok := files[tarName(art.Tree, relative)]
		if !ok {
			return nil, fmt.Errorf("artifact %q missing from archive", relative)
		}
		if err := validateArtifact(tempPath, art); err != nil {
			return nil, err
		}
		plan = append(plan, install{src: tempPath, dst: filepath.Join(root, filepath.FromSlash(relative)), art: art})
	}

	for _, in := range plan {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cfg.DryRun {
			fmt.Fprintf(cfg.Stdout, "would install %s (%d bytes)\n", in.dst, in.art.Size)
			continue
		}
		if err := installFile(in.src, in.dst); err != nil {
			return nil, err
		}
		fmt.Fprintf(cfg.Stdout, "installed %s (%d bytes)\n", in.dst, in.art.Size)
	}

	return &manifest, nil
}

func download(ctx context.Context, store ObjectStore, src, dir string) (string, error) {
	bucket, key, err := gos3.ParseURL(src)
	if err != nil {
		return "", err
	}
	body, _, err := store.GetObject(ctx, bucket, key)
	if err != nil {
		return "", fmt.Errorf("download bundle: %w", err)
	}
	defer body.Close()

	dst := filepath.Join(dir, "bundle.tar.zst")
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", fmt.Errorf("download bundle: %w", err)
	}
	return dst, f.Close()
}

func unpack(ctx context.Context, bundlePath, dir string) ([]byte, map[string]string, error) {
	bundleFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open bundle: %w", err)
	}
	defer bundleFile.Close()

	decoder, err := zstd.NewReader(bundleFile)
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		files         = map[string]string{}
		tr            = tar.NewReader(decoder)
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(header.Name)
		if name == manifestFileName {
			manifestBytes, err = io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("read manifest: %w", err)
			}
			continue
		}
		if !strings.HasPrefix(name, artifactsTarPrefix+"/") {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}

		targetPath := filepath.Join(dir, filepath.FromSlash(name))
		if !strings.HasPrefix(targetPath, dir+string(filepath.Separator)) {
			return nil, nil, fmt.Errorf("invalid entry path %q", header.Name)
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(targetPath), err)
		}
		file, err := os.Create(targetPath)
		if err != nil {
			return nil, nil, fmt.Errorf("create temp file for %q: %w", name, err)
		}
		if _, err := io.Copy(file, tr); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("write temp file for %q: %w", name, err)
		}
		file.Close()
		files[name] = targetPath
	}
	return manifestBytes, files, nil
}

func validateArtifact(p string, art ManifestArtifact) error {
	size, computed, err := hashFile(p)
	if err != nil {
		return err
	}
	if size != art.Size {
		return fmt.Errorf("size mismatch for %q: expected %d got %d", art.Path, art.Size, size)
	}
	if !strings.EqualFold(computed, art.SHA256) {
		return fmt.Errorf("sha256 mismatch for %q", art.Path)
	}
	return nil
}

func installFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("install %s: %w", dst, err)
	}
	return nil
}
