// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ctxstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/api/option"
)

const gcsScheme = "gs://"

// objectStore abstracts the bucket backend so exports are testable without
// network credentials.
type objectStore interface {
	exists(ctx context.Context, bucket, object string) (bool, error)
	upload(ctx context.Context, bucket, object string, data []byte) error
}

// Export moves a value entry out of the store to durable storage.
//
// Description:
//
//	Writes the entry's serialized payload to a local file path or a
//	gs://bucket/object destination, then removes the entry and releases
//	its tier resources. Reference entries are not self-contained and
//	always fail. An existing destination fails unless overwrite is set.
//
// Inputs:
//
//	ctx - Context for the upload and tracing.
//	id - Entry key.
//	dest - Local file path or gs:// URL.
//	overwrite - Replace an existing destination.
//
// Outputs:
//
//	error - ErrNotFound for unknown keys, ExportError for reference
//	        entries, existing destinations, or write failures.
func (s *Store) Export(ctx context.Context, id, dest string, overwrite bool) error {
	ctx, span := startStoreSpan(ctx, "Store.Export", id)
	defer span.End()

	kl, err := s.lockKey(id)
	if err != nil {
		return err
	}
	defer s.unlockKey(id, kl)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("export %q: %w", id, ErrNotFound)
	}
	info := e.info
	var data []byte
	if info.PassBy == PassByValue && info.Tier == TierRAM {
		data, _ = s.arena.get(id)
	}
	disk := s.disk
	s.mu.Unlock()

	if info.PassBy == PassByReference {
		expErr := &ExportError{Key: id, Dest: dest, Reason: "reference entries are not self-contained"}
		span.RecordError(expErr)
		span.SetStatus(codes.Error, "reference export")
		return expErr
	}

	if data == nil {
		data, err = disk.get(id)
		if err != nil {
			expErr := &ExportError{Key: id, Dest: dest, Err: err}
			span.RecordError(expErr)
			span.SetStatus(codes.Error, "disk read failed")
			return expErr
		}
	}

	if strings.HasPrefix(dest, gcsScheme) {
		err = s.exportObject(ctx, id, dest, overwrite, data)
	} else {
		err = exportFile(id, dest, overwrite, data)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "export failed")
		return err
	}

	// The destination holds the payload; drop the entry.
	s.mu.Lock()
	var diskOrphan bool
	if live, ok := s.entries[id]; ok {
		diskOrphan = s.releaseLocked(live)
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if diskOrphan && disk != nil {
		if err := disk.delete(id); err != nil {
			s.log.Warn("failed to drop exported disk payload",
				slog.String("key", id),
				slog.String("error", err.Error()))
		}
	}
	recordExport(ctx)
	s.log.Info("exported context entry",
		slog.String("key", id),
		slog.String("dest", dest),
		slog.Int("bytes", len(data)))
	return nil
}

// exportFile writes a payload to a local path via a same-directory temp
// file and rename, so a crashed export never leaves a truncated
// destination.
func exportFile(id, dest string, overwrite bool, data []byte) error {
	if _, err := os.Stat(dest); err == nil {
		if !overwrite {
			return &ExportError{Key: id, Dest: dest, Reason: "destination already exists"}
		}
	} else if !os.IsNotExist(err) {
		return &ExportError{Key: id, Dest: dest, Err: err}
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return &ExportError{Key: id, Dest: dest, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".loom-export-*")
	if err != nil {
		return &ExportError{Key: id, Dest: dest, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpName)
		return &ExportError{Key: id, Dest: dest, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &ExportError{Key: id, Dest: dest, Err: err}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return &ExportError{Key: id, Dest: dest, Err: err}
	}
	return nil
}

// exportObject writes a payload to a gs:// destination.
func (s *Store) exportObject(ctx context.Context, id, dest string, overwrite bool, data []byte) error {
	bucket, object, err := splitObjectDest(dest)
	if err != nil {
		return &ExportError{Key: id, Dest: dest, Err: err}
	}

	if !overwrite {
		present, err := s.objects.exists(ctx, bucket, object)
		if err != nil {
			return &ExportError{Key: id, Dest: dest, Err: err}
		}
		if present {
			return &ExportError{Key: id, Dest: dest, Reason: "destination already exists"}
		}
	}

	if err := s.objects.upload(ctx, bucket, object, data); err != nil {
		return &ExportError{Key: id, Dest: dest, Err: err}
	}
	return nil
}

// splitObjectDest parses gs://bucket/object into its parts.
func splitObjectDest(dest string) (bucket, object string, err error) {
	rest := strings.TrimPrefix(dest, gcsScheme)
	bucket, object, found := strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed destination %q: want gs://bucket/object", dest)
	}
	return bucket, object, nil
}

// gcsStore is the production objectStore backed by Google Cloud Storage.
// The client dials lazily on first use and is reused afterwards.
type gcsStore struct {
	credentialsFile string

	mu     sync.Mutex
	client *storage.Client
}

func (g *gcsStore) connect(ctx context.Context) (*storage.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}

	var opts []option.ClientOption
	if g.credentialsFile != "" {
		if _, err := os.Stat(g.credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", g.credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(g.credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	g.client = client
	return client, nil
}

func (g *gcsStore) exists(ctx context.Context, bucket, object string) (bool, error) {
	client, err := g.connect(ctx)
	if err != nil {
		return false, err
	}
	_, err = client.Bucket(bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat GCS object %s/%s: %w", bucket, object, err)
	}
	return true, nil
}

func (g *gcsStore) upload(ctx context.Context, bucket, object string, data []byte) error {
	client, err := g.connect(ctx)
	if err != nil {
		return err
	}

	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to copy payload to GCS object %s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s/%s: %w", bucket, object, err)
	}
	return nil
}
