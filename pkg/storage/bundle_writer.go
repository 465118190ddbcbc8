package storage

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

// WriteBundle writes a bundle archive to w. The compression is chosen from
// name's suffix, as on the reading side. Manifest size and checksum are
// filled in from image.
func WriteBundle(w io.Writer, name string, m Manifest, image, signature []byte) error {
	if m.Image == "" {
		m.Image = "firmware.bin"
	}
	if m.Signature == "" {
		m.Signature = m.Image + SignatureSuffix
	}
	sum := sha256.Sum256(image)
	m.SHA256 = hex.EncodeToString(sum[:])
	m.Size = int64(len(image))

	manifest, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	var out io.WriteCloser
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		out = gzip.NewWriter(w)
	case strings.HasSuffix(lower, ".tar.zst"):
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		out = enc
	case strings.HasSuffix(lower, ".tar"):
		out = nopWriteCloser{w}
	default:
		return fmt.Errorf("bundle name %q must end in .tar, .tar.gz, .tgz or .tar.zst", name)
	}

	tw := tar.NewWriter(out)
	now := time.Now()
	for _, e := range []struct {
		name string
		data []byte
	}{
		{ManifestName, manifest},
		{m.Image, image},
		{m.Signature, signature},
	} {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     0644,
			Size:     int64(len(e.data)),
			ModTime:  now,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(e.data); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return out.Close()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
