package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"

	"github.com/chipp-ai/dispatch/internal/store"
	"github.com/chipp-ai/dispatch/internal/worker"
)

// FileIngestPayload is the payload for file_ingest jobs. Path is relative to
// the configured staging root.
type FileIngestPayload struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
}

// FileIngestor processes file_ingest jobs: reads a staged upload from disk
// and hands it to the document callback.
type FileIngestor struct {
	root       string
	maxBytes   int64
	onDocument DocumentFunc
}

// NewFileIngestor creates a FileIngestor rooted at root. onDocument may be nil.
func NewFileIngestor(root string, maxBytes int64, onDocument DocumentFunc) *FileIngestor {
	return &FileIngestor{root: root, maxBytes: maxBytes, onDocument: onDocument}
}

// Process implements the worker Processor contract for file_ingest jobs.
// Malformed payloads, traversal attempts, missing files, and oversized files
// are permanent failures — retrying cannot change them. I/O errors reading an
// existing file are transient.
func (f *FileIngestor) Process(ctx context.Context, job store.ClaimedJob) error {
	var p FileIngestPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("file_ingest payload: %w", err))
	}
	if p.Path == "" {
		return worker.Permanent(fmt.Errorf("file_ingest payload: path is required"))
	}
	// IsLocal rejects absolute paths and any ".." escape in one check.
	if !filepath.IsLocal(p.Path) {
		return worker.Permanent(fmt.Errorf("file_ingest: path %q escapes staging root", p.Path))
	}

	full := filepath.Join(f.root, p.Path)
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return worker.Permanent(fmt.Errorf("file_ingest: %w", err))
		}
		return fmt.Errorf("file_ingest: stat %s: %w", p.Path, err)
	}
	if !info.Mode().IsRegular() {
		return worker.Permanent(fmt.Errorf("file_ingest: %q is not a regular file", p.Path))
	}
	if info.Size() > f.maxBytes {
		return worker.Permanent(fmt.Errorf("file_ingest: %q is %d bytes, limit %d", p.Path, info.Size(), f.maxBytes))
	}

	body, err := os.ReadFile(full)
	if err != nil {
		// Deleted between stat and read counts as gone for good.
		if errors.Is(err, fs.ErrNotExist) {
			return worker.Permanent(fmt.Errorf("file_ingest: %w", err))
		}
		return fmt.Errorf("file_ingest: read %s: %w", p.Path, err)
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(p.Path))
	}

	if f.onDocument != nil {
		if err := f.onDocument(ctx, job.OwnerKey, p.Path, contentType, body); err != nil {
			return fmt.Errorf("store document %s: %w", p.Path, err)
		}
	}
	return nil
}
