// Package storage acquires firmware packages: a raw image with its detached
// signature, or a bundle archive carrying a manifest, the image and the
// signature. Sources may be local paths, HTTP(S) URLs or S3 objects.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/motion-ctl/fwinstall/pkg/firmware"
	"github.com/motion-ctl/fwinstall/pkg/security"
)

const (
	// maxSignatureSize bounds detached signature downloads.
	maxSignatureSize = 64 * 1024
	// bundleOverhead is allowed on top of the image size for manifest,
	// signature and tar headers.
	bundleOverhead = 1 << 20

	copyBufferSize = 32 * 1024
)

// Options configures an Acquirer.
type Options struct {
	// CacheDir receives a copy of every downloaded file. Empty disables caching.
	CacheDir string
	// MaxImageSize bounds the image, and with some overhead the bundle.
	MaxImageSize int64
	// MaxCompressionRatio bounds bundle expansion.
	MaxCompressionRatio float64
}

// Acquirer fetches firmware packages. It holds no per-call state and may be
// called repeatedly, including concurrently.
type Acquirer struct {
	opts     Options
	fetchers map[string]Fetcher
}

// NewAcquirer creates an acquirer with a file fetcher registered. Other
// schemes are added with Register.
func NewAcquirer(opts Options) *Acquirer {
	if opts.MaxCompressionRatio <= 0 {
		opts.MaxCompressionRatio = 100
	}
	a := &Acquirer{
		opts:     opts,
		fetchers: make(map[string]Fetcher),
	}
	a.Register(SchemeFile, FileFetcher{})
	return a
}

// Register installs the fetcher used for scheme.
func (a *Acquirer) Register(scheme string, f Fetcher) {
	a.fetchers[scheme] = f
}

// Acquire fetches the package at source. expectedVersion, when set, must match
// the bundle manifest; raw images take it as their version.
func (a *Acquirer) Acquire(ctx context.Context, source, expectedVersion string) (*firmware.Package, error) {
	src, err := ParseSource(source)
	if err != nil {
		return nil, &AcquisitionError{Kind: NotFound, Source: source, Err: err}
	}

	if src.IsBundle() {
		return a.acquireBundle(ctx, src, expectedVersion)
	}
	return a.acquireRaw(ctx, src, expectedVersion)
}

func (a *Acquirer) acquireRaw(ctx context.Context, src Source, expectedVersion string) (*firmware.Package, error) {
	image, sum, err := a.fetch(ctx, src, a.opts.MaxImageSize)
	if err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, acqErrf(Integrity, src, "image is empty")
	}

	sigSrc := src.WithSuffix(SignatureSuffix)
	signature, _, err := a.fetch(ctx, sigSrc, maxSignatureSize)
	if err != nil {
		return nil, err
	}

	slog.Info("package_acquired", "source", src.String(), "size", humanize.Bytes(uint64(len(image))), "sha256", sum[:16]+"...")

	return &firmware.Package{
		Image:     image,
		Signature: signature,
		Version:   expectedVersion,
		SHA256:    sum,
		Source:    src.String(),
	}, nil
}

func (a *Acquirer) acquireBundle(ctx context.Context, src Source, expectedVersion string) (*firmware.Package, error) {
	limit := int64(0)
	if a.opts.MaxImageSize > 0 {
		limit = a.opts.MaxImageSize + bundleOverhead
	}

	archive, _, err := a.fetch(ctx, src, limit)
	if err != nil {
		return nil, err
	}

	maxFile := a.opts.MaxImageSize
	maxTotal := limit
	if maxFile <= 0 {
		maxFile = int64(len(archive)) * int64(a.opts.MaxCompressionRatio)
		maxTotal = maxFile + bundleOverhead
	}
	validator := security.NewValidator(maxFile, maxTotal, a.opts.MaxCompressionRatio)

	contents, err := extractBundle(src.Name(), archive, validator)
	if err != nil {
		return nil, acqErr(Integrity, src, err)
	}

	if expectedVersion != "" && contents.manifest.Version != expectedVersion {
		return nil, acqErrf(Integrity, src, "bundle version %q, expected %q", contents.manifest.Version, expectedVersion)
	}

	digest := sha256.Sum256(contents.image)
	return &firmware.Package{
		Image:     contents.image,
		Signature: contents.signature,
		Version:   contents.manifest.Version,
		SHA256:    hex.EncodeToString(digest[:]),
		Source:    src.String(),
	}, nil
}

// fetch reads src fully into memory, hashing it and mirroring it into the
// cache directory.
func (a *Acquirer) fetch(ctx context.Context, src Source, limit int64) ([]byte, string, error) {
	fetcher, ok := a.fetchers[src.Scheme]
	if !ok {
		return nil, "", acqErrf(NotFound, src, "no fetcher registered for scheme %q", src.Scheme)
	}

	rc, err := fetcher.Open(ctx, src)
	if err != nil {
		var aerr *AcquisitionError
		if errors.As(err, &aerr) {
			return nil, "", err
		}
		return nil, "", acqErr(NetworkUnreachable, src, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	hash := sha256.New()
	sinks := []io.Writer{&buf, hash}

	cache, err := a.openCache(src)
	if err != nil {
		return nil, "", acqErr(LocalStorage, src, err)
	}
	if cache != nil {
		defer cache.abort()
		sinks = append(sinks, cache.f)
	}

	n, err := copyBounded(io.MultiWriter(sinks...), rc, limit)
	if err != nil {
		switch {
		case errors.Is(err, errTooLarge):
			return nil, "", acqErrf(Integrity, src, "exceeds max size %d", limit)
		case errors.Is(err, errWrite):
			return nil, "", acqErr(LocalStorage, src, err)
		case src.Scheme == SchemeFile:
			return nil, "", acqErr(LocalStorage, src, err)
		default:
			return nil, "", acqErr(NetworkUnreachable, src, err)
		}
	}

	if cache != nil {
		if err := cache.commit(); err != nil {
			return nil, "", acqErr(LocalStorage, src, err)
		}
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	slog.Debug("fetch_complete", "source", src.String(), "bytes", n)
	return buf.Bytes(), sum, nil
}

var (
	errTooLarge = errors.New("size limit exceeded")
	errWrite    = errors.New("write failed")
)

// copyBounded copies until EOF, failing once more than limit bytes were read.
// A non-positive limit disables the bound.
func copyBounded(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	var total int64
	p := make([]byte, copyBufferSize)
	for {
		n, rerr := src.Read(p)
		if n > 0 {
			total += int64(n)
			if limit > 0 && total > limit {
				return total, errTooLarge
			}
			if _, werr := dst.Write(p[:n]); werr != nil {
				return total, errors.Join(errWrite, werr)
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

type cacheFile struct {
	f      *os.File
	target string
	done   bool
}

func (a *Acquirer) openCache(src Source) (*cacheFile, error) {
	if a.opts.CacheDir == "" || src.Scheme == SchemeFile {
		return nil, nil
	}
	if err := os.MkdirAll(a.opts.CacheDir, 0755); err != nil {
		return nil, err
	}
	target := filepath.Join(a.opts.CacheDir, src.Name())
	f, err := os.CreateTemp(a.opts.CacheDir, src.Name()+".part-*")
	if err != nil {
		return nil, err
	}
	return &cacheFile{f: f, target: target}, nil
}

func (c *cacheFile) commit() error {
	if err := c.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(c.f.Name(), c.target); err != nil {
		return err
	}
	c.done = true
	return nil
}

func (c *cacheFile) abort() {
	if c.done {
		return
	}
	c.f.Close()
	os.Remove(c.f.Name())
}
