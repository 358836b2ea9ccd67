// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

// Package operation defines the immutable unit of work persisted and
// synchronized by the durability layer: one mutation to one attribute
// path of one tracked run.
package operation

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind identifies the mutation semantics of an operation.
type Kind uint8

const (
	// KindAssign sets an attribute to a point value, replacing any
	// previous value.
	KindAssign Kind = iota + 1
	// KindAppend adds one entry to a series attribute. Appends form a
	// sequence and are never collapsed.
	KindAppend
	// KindRemove removes values from a set attribute.
	KindRemove
	// KindDelete deletes the attribute entirely.
	KindDelete
	// KindUploadFile records a reference to a file to be uploaded.
	KindUploadFile
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAssign:
		return "assign"
	case KindAppend:
		return "append"
	case KindRemove:
		return "remove"
	case KindDelete:
		return "delete"
	case KindUploadFile:
		return "upload_file"
	default:
		return "unknown"
	}
}

// Overwrites reports whether the kind has point-value semantics: only the
// final state matters, so an earlier operation on the same path is made
// redundant by a later one.
func (k Kind) Overwrites() bool {
	switch k {
	case KindAssign, KindRemove, KindDelete, KindUploadFile:
		return true
	default:
		return false
	}
}

// Operation is a single durable mutation. It is immutable once created;
// Seq is assigned by the queue on put and is monotonically increasing
// within one run.
type Operation struct {
	RunID string          `json:"run_id"`
	Path  []string        `json:"path"`
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value,omitempty"`
	Seq   uint64          `json:"seq"`
	Time  time.Time       `json:"time"`
}

// PathString renders the attribute path with "/" separators.
func (o Operation) PathString() string {
	return strings.Join(o.Path, "/")
}

// New creates an operation with the creation timestamp set. Seq stays
// zero until the queue assigns it.
func New(runID string, path []string, kind Kind, value json.RawMessage) Operation {
	return Operation{
		RunID: runID,
		Path:  path,
		Kind:  kind,
		Value: value,
		Time:  time.Now().UTC(),
	}
}
