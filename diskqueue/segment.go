// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package diskqueue

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minfx-ai/minfx/operation"
)

const segmentPrefix = "data-"

// segment is one append-only log file holding a contiguous run of records
// in sequence order. Rotated segments are never modified again except for
// deletion after full acknowledgment.
type segment struct {
	path     string
	file     *os.File
	baseSeq  uint64
	lastSeq  uint64 // 0 while empty
	size     int64
	records  []recordPos
	readonly bool
}

type recordPos struct {
	seq  uint64
	pos  int64
	size int
}

func segmentName(baseSeq uint64) string {
	return fmt.Sprintf("%s%010d.log", segmentPrefix, baseSeq)
}

func parseSegmentName(name string) (uint64, bool) {
	var base uint64
	if _, err := fmt.Sscanf(name, segmentPrefix+"%010d.log", &base); err != nil {
		return 0, false
	}
	return base, true
}

func createSegment(dir string, baseSeq uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(baseSeq))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskqueue: create segment: %w", err)
	}
	return &segment{
		path:    path,
		file:    file,
		baseSeq: baseSeq,
		records: make([]recordPos, 0, 64),
	}, nil
}

// openSegment opens an existing segment and scans it to rebuild record
// positions. The scan stops at the first torn or corrupt frame and
// truncates the file there: a partial trailing record is a crash artifact
// and is discarded, not repaired.
func openSegment(dir string, baseSeq uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(baseSeq))
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("diskqueue: open segment: %w", err)
	}

	seg := &segment{
		path:    path,
		file:    file,
		baseSeq: baseSeq,
		records: make([]recordPos, 0, 64),
	}
	if err := seg.scan(); err != nil {
		file.Close()
		return nil, err
	}
	return seg, nil
}

func (s *segment) scan() error {
	data, err := io.ReadAll(s.file)
	if err != nil {
		return fmt.Errorf("diskqueue: scan segment: %w", err)
	}

	var pos int64
	for int(pos) < len(data) {
		op, n, err := decodeRecord(data[pos:])
		if err != nil {
			// Torn tail from an interrupted append. Drop it.
			if terr := s.file.Truncate(pos); terr != nil {
				return fmt.Errorf("diskqueue: truncate torn tail: %w", terr)
			}
			break
		}
		s.records = append(s.records, recordPos{seq: op.Seq, pos: pos, size: n})
		s.lastSeq = op.Seq
		pos += int64(n)
	}
	s.size = pos
	return nil
}

// append writes one encoded record. The caller assigns sequence numbers;
// records arrive strictly in order.
func (s *segment) append(seq uint64, frame []byte) error {
	if s.readonly {
		return fmt.Errorf("diskqueue: segment %s is rotated", filepath.Base(s.path))
	}
	if _, err := s.file.WriteAt(frame, s.size); err != nil {
		return fmt.Errorf("diskqueue: append record: %w", err)
	}
	s.records = append(s.records, recordPos{seq: seq, pos: s.size, size: len(frame)})
	s.size += int64(len(frame))
	s.lastSeq = seq
	return nil
}

// readFrom returns up to maxCount operations with seq > afterSeq, stopping
// once maxBytes of payload frames have been collected (at least one record
// is always returned when available).
func (s *segment) readFrom(afterSeq uint64, maxCount int, maxBytes int64, out []operation.Operation) ([]operation.Operation, int64, error) {
	var bytes int64
	for _, rp := range s.records {
		if rp.seq <= afterSeq {
			continue
		}
		if len(out) >= maxCount {
			break
		}
		if len(out) > 0 && bytes+int64(rp.size) > maxBytes {
			break
		}
		buf := make([]byte, rp.size)
		if _, err := s.file.ReadAt(buf, rp.pos); err != nil {
			return out, bytes, fmt.Errorf("diskqueue: read record: %w", err)
		}
		op, _, err := decodeRecord(buf)
		if err != nil {
			return out, bytes, err
		}
		out = append(out, op)
		bytes += int64(rp.size)
	}
	return out, bytes, nil
}

func (s *segment) count() int {
	return len(s.records)
}

func (s *segment) sync() error {
	if s.readonly {
		return nil
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	return s.file.Close()
}

func (s *segment) remove() error {
	if err := s.file.Close(); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
