// Copyright (c) Minfx
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"net/url"
	"strings"
)

// SanitizeAddress derives a directory-safe name from a backend address.
// Multi-backend queue directories are nested one level deeper under this
// name, so it must be stable for a given address and contain no path
// separators.
func SanitizeAddress(addr string) string {
	name := addr
	if u, err := url.Parse(addr); err == nil && u.Host != "" {
		name = u.Host
	} else {
		name = strings.TrimPrefix(strings.TrimPrefix(name, "https://"), "http://")
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "backend"
	}
	return b.String()
}
