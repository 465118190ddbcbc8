package storage

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Source schemes
const (
	SchemeFile  = "file"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeS3    = "s3"
)

// SignatureSuffix is appended to a raw image location to find its detached signature.
const SignatureSuffix = ".sig"

var bundleSuffixes = []string{".tar", ".tar.gz", ".tgz", ".tar.zst"}

// Source locates a firmware image or bundle.
type Source struct {
	Scheme string
	// Bucket is set for s3 sources only.
	Bucket string
	// Location is a filesystem path, a full URL, or an object key.
	Location string
}

// ParseSource accepts s3://bucket/key, http(s) URLs, file:// URLs and bare paths.
func ParseSource(raw string) (Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Source{}, fmt.Errorf("package source is empty")
	}

	if !strings.Contains(raw, "://") {
		return Source{Scheme: SchemeFile, Location: filepath.Clean(raw)}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Source{}, fmt.Errorf("invalid package source %q: %w", raw, err)
	}

	switch u.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		if u.Host == "" {
			return Source{}, fmt.Errorf("invalid package source %q: missing host", raw)
		}
		return Source{Scheme: u.Scheme, Location: u.String()}, nil
	case SchemeS3:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Source{}, fmt.Errorf("invalid package source %q: want s3://bucket/key", raw)
		}
		return Source{Scheme: SchemeS3, Bucket: u.Host, Location: key}, nil
	case SchemeFile:
		if u.Path == "" {
			return Source{}, fmt.Errorf("invalid package source %q: missing path", raw)
		}
		return Source{Scheme: SchemeFile, Location: filepath.Clean(u.Path)}, nil
	default:
		return Source{}, fmt.Errorf("unsupported package source scheme %q", u.Scheme)
	}
}

// String renders the source back in URL form.
func (s Source) String() string {
	switch s.Scheme {
	case SchemeS3:
		return "s3://" + s.Bucket + "/" + s.Location
	case SchemeFile, "":
		return s.Location
	default:
		return s.Location
	}
}

// WithSuffix returns the sibling location obtained by appending suffix to the
// path component, e.g. the detached signature of an image.
func (s Source) WithSuffix(suffix string) Source {
	out := s
	if s.Scheme == SchemeHTTP || s.Scheme == SchemeHTTPS {
		if u, err := url.Parse(s.Location); err == nil {
			u.Path += suffix
			u.RawPath = ""
			out.Location = u.String()
			return out
		}
	}
	out.Location = s.Location + suffix
	return out
}

// Name is the last path element, used for cache file names.
func (s Source) Name() string {
	loc := s.Location
	if s.Scheme == SchemeHTTP || s.Scheme == SchemeHTTPS {
		if u, err := url.Parse(loc); err == nil {
			loc = u.Path
		}
	}
	name := path.Base(filepath.ToSlash(loc))
	if name == "." || name == "/" || name == "" {
		return "package"
	}
	return name
}

// IsBundle reports whether the source names an archive carrying a manifest,
// image and signature.
func (s Source) IsBundle() bool {
	name := strings.ToLower(s.Name())
	for _, suffix := range bundleSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// CacheNames lists the files an Acquirer with a cache directory keeps for
// s. Local sources are never cached.
func (s Source) CacheNames() []string {
	if s.Scheme == SchemeFile {
		return nil
	}
	if s.IsBundle() {
		return []string{s.Name()}
	}
	return []string{s.Name(), s.WithSuffix(SignatureSuffix).Name()}
}

// IsPartialCacheFile reports whether name is a download that never
// completed.
func IsPartialCacheFile(name string) bool {
	return strings.Contains(name, ".part-")
}
