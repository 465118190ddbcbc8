package storage

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/motion-ctl/fwinstall/pkg/security"
)

// ManifestName is the bundle entry describing its contents.
const ManifestName = "manifest.yaml"

// Manifest describes a firmware bundle.
type Manifest struct {
	Version   string `yaml:"version"`
	Board     string `yaml:"board,omitempty"`
	Image     string `yaml:"image"`
	Signature string `yaml:"signature"`
	SHA256    string `yaml:"sha256,omitempty"`
	Size      int64  `yaml:"size,omitempty"`
}

// bundleContents is what a bundle unpacks to.
type bundleContents struct {
	manifest  Manifest
	image     []byte
	signature []byte
}

// decompress wraps r according to the bundle name's suffix.
func decompress(name string, r io.Reader) (io.ReadCloser, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return gzip.NewReader(r)
	case strings.HasSuffix(lower, ".tar.zst"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

// extractBundle unpacks an archive held in memory with validation of every entry.
func extractBundle(name string, archive []byte, validator *security.Validator) (*bundleContents, error) {
	validator.Reset()

	r, err := decompress(name, bytes.NewReader(archive))
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer r.Close()

	entries := make(map[string][]byte)
	tarReader := tar.NewReader(r)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read error: %w", err)
		}

		if err := validator.ValidatePath(header.Name); err != nil {
			return nil, fmt.Errorf("invalid path in bundle: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			continue

		case tar.TypeReg:
			if err := validator.ValidateFileSize(header.Size); err != nil {
				return nil, err
			}
			if err := validator.AddExtractedSize(header.Size); err != nil {
				return nil, err
			}

			data, err := io.ReadAll(io.LimitReader(tarReader, header.Size))
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", header.Name, err)
			}
			if int64(len(data)) != header.Size {
				return nil, fmt.Errorf("truncated entry %s: got %d of %d bytes", header.Name, len(data), header.Size)
			}

			entries[strings.TrimPrefix(header.Name, "./")] = data

		default:
			return nil, fmt.Errorf("unsupported bundle entry %s (type %c)", header.Name, header.Typeflag)
		}
	}

	if err := validator.ValidateCompressionRatio(int64(len(archive)), validator.CurrentTotalSize()); err != nil {
		return nil, err
	}

	rawManifest, ok := entries[ManifestName]
	if !ok {
		return nil, fmt.Errorf("bundle has no %s", ManifestName)
	}

	var m Manifest
	if err := yaml.Unmarshal(rawManifest, &m); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", ManifestName, err)
	}
	if m.Image == "" || m.Signature == "" {
		return nil, fmt.Errorf("%s must name both image and signature", ManifestName)
	}

	image, ok := entries[m.Image]
	if !ok {
		return nil, fmt.Errorf("bundle is missing image %s", m.Image)
	}
	signature, ok := entries[m.Signature]
	if !ok {
		return nil, fmt.Errorf("bundle is missing signature %s", m.Signature)
	}

	if m.Size > 0 && m.Size != int64(len(image)) {
		return nil, fmt.Errorf("image size %d does not match manifest size %d", len(image), m.Size)
	}
	if m.SHA256 != "" {
		sum := sha256.Sum256(image)
		if !strings.EqualFold(hex.EncodeToString(sum[:]), m.SHA256) {
			return nil, fmt.Errorf("image checksum does not match manifest")
		}
	}

	slog.Info("bundle_extracted", "bundle", name, "version", m.Version, "image", m.Image, "image_size", len(image))

	return &bundleContents{manifest: m, image: image, signature: signature}, nil
}
