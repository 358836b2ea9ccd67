// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

// Package syncer implements the out-of-process maintenance surface over
// a queue root: listing leftover queue directories, delivering their
// unsynchronized operations, and clearing the fully-acknowledged ones.
// It is what the minfx CLI runs after a process stopped with data.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/minfx-ai/minfx/backend"
	"github.com/minfx-ai/minfx/diskqueue"
	"github.com/minfx-ai/minfx/operation"
	"github.com/minfx-ai/minfx/processor"
)

// Entry describes one queue directory under the root.
type Entry struct {
	Dir      string
	Metadata processor.Metadata
	LastPut  uint64
	LastAck  uint64
}

// Synced reports whether every operation in the directory was
// acknowledged.
func (e Entry) Synced() bool { return e.LastAck == e.LastPut }

// Pending returns the number of unacknowledged operations.
func (e Entry) Pending() uint64 { return e.LastPut - e.LastAck }

// Status enumerates the queue directories under the root. A directory
// counts as a queue directory when it carries a metadata descriptor.
func Status(root string) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		md, mdErr := processor.ReadMetadata(path)
		if mdErr != nil {
			return nil // not a queue directory, keep walking
		}
		put, ack, vErr := diskqueue.ReadVersions(path)
		if vErr != nil {
			return fmt.Errorf("syncer: read offsets of %s: %w", path, vErr)
		}
		entries = append(entries, Entry{Dir: path, Metadata: md, LastPut: put, LastAck: ack})
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Resolver maps a queue directory descriptor to the backend that should
// receive its data. Offline directories carry no backend address, so the
// resolver supplies the configured default.
type Resolver func(md processor.Metadata) (backend.Backend, error)

// Config tunes a sync pass.
type Config struct {
	BatchSize     int   // default 1000
	BatchMaxBytes int64 // default 16 MiB
	Logger        *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.BatchMaxBytes <= 0 {
		c.BatchMaxBytes = 16 * 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Sync makes one delivery pass over every unsynced queue directory under
// the root, removing each directory that drains completely. Transport
// failures abort the affected directory and leave its data intact;
// other directories are still attempted.
func Sync(ctx context.Context, root string, resolve Resolver, cfg Config) error {
	cfg.applyDefaults()
	entries, err := Status(root)
	if err != nil {
		return err
	}

	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if e.Synced() {
			continue
		}
		if err := syncDir(ctx, e, resolve, cfg); err != nil {
			errs = append(errs, fmt.Errorf("sync %s: %w", e.Dir, err))
		}
	}
	return errors.Join(errs...)
}

func syncDir(ctx context.Context, e Entry, resolve Resolver, cfg Config) error {
	be, err := resolve(e.Metadata)
	if err != nil {
		return err
	}
	q, err := diskqueue.Open(e.Dir, diskqueue.DefaultConfig())
	if err != nil {
		return err
	}
	logger := cfg.Logger.With(
		slog.String("run", e.Metadata.RunID),
		slog.String("directory", e.Dir))
	logger.Info("synchronizing leftover operations",
		slog.Uint64("operations", q.Size()))

	for {
		if err := ctx.Err(); err != nil {
			q.Close()
			return err
		}
		batch, err := q.GetBatch(cfg.BatchSize, cfg.BatchMaxBytes)
		if err != nil {
			q.Close()
			return err
		}
		if len(batch) == 0 {
			break
		}
		version := batch[len(batch)-1].Seq
		merged := operation.Merge(batch)
		for len(merged) > 0 {
			processed, rejected, err := be.Execute(ctx, e.Metadata.RunID, merged)
			if err != nil {
				q.Close()
				return err
			}
			if processed > len(merged) {
				processed = len(merged)
			}
			merged = merged[processed:]
			merged = dropRejected(merged, rejected, logger)
		}
		if err := q.Ack(version); err != nil {
			q.Close()
			return err
		}
	}

	logger.Info("directory synchronized, removing")
	return q.Remove()
}

// dropRejected logs validation rejections and removes them from the
// remainder so a poison operation cannot block the pass.
func dropRejected(remaining []operation.Operation, rejected []backend.OperationError, logger *slog.Logger) []operation.Operation {
	if len(rejected) == 0 {
		return remaining
	}
	seqs := make(map[uint64]bool, len(rejected))
	for _, e := range rejected {
		seqs[e.Seq] = true
		logger.Error("operation rejected by backend",
			slog.Uint64("seq", e.Seq),
			slog.String("path", e.Path),
			slog.String("reason", e.Reason))
	}
	kept := remaining[:0]
	for _, op := range remaining {
		if !seqs[op.Seq] {
			kept = append(kept, op)
		}
	}
	return kept
}

// Clear removes fully-acknowledged queue directories. Directories with
// pending data are left alone, so Clear can never lose operations.
func Clear(root string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := Status(root)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.Synced() {
			logger.Warn("keeping directory with unsynchronized data",
				slog.String("directory", e.Dir),
				slog.Uint64("operations", e.Pending()))
			continue
		}
		if err := os.RemoveAll(e.Dir); err != nil {
			return removed, fmt.Errorf("syncer: remove %s: %w", e.Dir, err)
		}
		removed++
		removeIfEmpty(filepath.Dir(e.Dir), root)
	}
	return removed, nil
}

// removeIfEmpty prunes now-empty container directories up to the root.
func removeIfEmpty(dir, root string) {
	for dir != root && len(dir) > len(root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
