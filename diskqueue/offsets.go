// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package diskqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// PutVersionFile holds the highest sequence number durably written.
	PutVersionFile = "last_put_version"
	// AckVersionFile holds the highest sequence number acknowledged by
	// the remote service.
	AckVersionFile = "last_ack_version"
)

// writeVersionFile persists a version counter atomically: write to a temp
// file, then rename over the target. The offset record is the only
// in-place mutation in a queue directory.
func writeVersionFile(dir, name string, version uint64) error {
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	data := []byte(strconv.FormatUint(version, 10) + "\n")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("diskqueue: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("diskqueue: replace %s: %w", name, err)
	}
	return nil
}

// readVersionFile loads a version counter, defaulting to 0 when the file
// is absent.
func readVersionFile(dir, name string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("diskqueue: read %s: %w", name, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("diskqueue: parse %s: %w", name, err)
	}
	return v, nil
}

// ReadVersions reports the persisted put and ack counters of a queue
// directory without opening the queue. Used by out-of-process status
// tooling.
func ReadVersions(dir string) (lastPut, lastAck uint64, err error) {
	if lastPut, err = readVersionFile(dir, PutVersionFile); err != nil {
		return 0, 0, err
	}
	if lastAck, err = readVersionFile(dir, AckVersionFile); err != nil {
		return 0, 0, err
	}
	return lastPut, lastAck, nil
}
