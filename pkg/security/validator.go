package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Validator enforces limits while a firmware bundle is unpacked: entry paths
// must stay inside the bundle, no single entry may exceed maxFileSize, the
// sum of entries may not exceed maxTotalSize and the archive may not expand
// by more than maxCompressionRatio.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a new bundle validator
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_kb", maxFileSize/1024,
		"max_total_size_kb", maxTotalSize/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidatePath rejects absolute entry names and names escaping the bundle root.
func (v *Validator) ValidatePath(entry string) error {
	if filepath.IsAbs(entry) || strings.HasPrefix(entry, "/") {
		slog.Error("security_path_validation_failed", "path", entry, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", entry)
	}

	clean := filepath.Clean(entry)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", entry, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", entry)
	}

	return nil
}

// ValidateFileSize checks a single entry against the per-file limit
func (v *Validator) ValidateFileSize(size int64) error {
	if size < 0 {
		return fmt.Errorf("security: negative file size %d", size)
	}
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_kb", size/1024,
			"max_file_size_kb", v.maxFileSize/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddExtractedSize tracks total extracted size and checks against limit
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.currentTotalSize > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_kb", v.currentTotalSize/1024,
			"max_total_kb", v.maxTotalSize/1024,
			"file_size_kb", size/1024)
		return fmt.Errorf("security: total extracted size %d exceeds max %d",
			v.currentTotalSize, v.maxTotalSize)
	}

	return nil
}

// ValidateCompressionRatio checks for decompression bombs
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize == 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("security: compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)

	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed_kb", compressedSize/1024,
			"uncompressed_kb", uncompressedSize/1024)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.maxCompressionRatio, compressedSize, uncompressedSize)
	}

	return nil
}

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// CurrentTotalSize returns the current total extracted size
func (v *Validator) CurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
