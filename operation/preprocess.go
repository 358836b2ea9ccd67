// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package operation

// Merge reduces a batch to a minimal equivalent sequence before
// transmission. Operations with overwrite semantics targeting the same
// path collapse to the last one; appends are kept individually and in
// order. Relative order across different paths is preserved: a surviving
// operation keeps the position of its first occurrence.
func Merge(batch []Operation) []Operation {
	if len(batch) <= 1 {
		return batch
	}

	// Last overwriting operation per path.
	last := make(map[string]int, len(batch))
	for i, op := range batch {
		if op.Kind.Overwrites() {
			last[op.PathString()] = i
		}
	}

	merged := make([]Operation, 0, len(batch))
	emitted := make(map[string]bool, len(last))
	for _, op := range batch {
		if !op.Kind.Overwrites() {
			merged = append(merged, op)
			continue
		}
		key := op.PathString()
		if emitted[key] {
			continue
		}
		emitted[key] = true
		merged = append(merged, batch[last[key]])
	}
	return merged
}
