// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package grant

import "sort"

// Scalar permission keys. Circles carry these in their definitions;
// tenant policy flags append the visibility keys directly to composed
// permission contexts.
const (
	// PermissionAllowIntroductions lets the holder introduce this
	// node's connections to each other. Granted through membership
	// in the confirmed-connections system circle.
	PermissionAllowIntroductions = "allow-introductions"

	// PermissionViewConnections lets the holder read this node's
	// connection list.
	PermissionViewConnections = "view-connections"

	// PermissionViewWhoIFollow lets the holder read this node's
	// follow list.
	PermissionViewWhoIFollow = "view-who-i-follow"
)

// PermissionSet is a sorted, duplicate-free set of scalar permission
// keys. The zero value is the empty set. Construct with
// NewPermissionSet or Merge; both normalize.
type PermissionSet []string

// NewPermissionSet returns a normalized set from the given keys.
func NewPermissionSet(keys ...string) PermissionSet {
	return PermissionSet(nil).Merge(keys)
}

// Has reports whether the set contains key.
func (p PermissionSet) Has(key string) bool {
	index := sort.SearchStrings(p, key)
	return index < len(p) && p[index] == key
}

// Merge returns a new set containing every key of p and every key of
// other, sorted and deduplicated. Neither input is modified.
func (p PermissionSet) Merge(other []string) PermissionSet {
	if len(other) == 0 && len(p) > 0 {
		return append(PermissionSet(nil), p...)
	}
	merged := make([]string, 0, len(p)+len(other))
	merged = append(merged, p...)
	merged = append(merged, other...)
	sort.Strings(merged)

	result := merged[:0]
	for _, key := range merged {
		if key == "" {
			continue
		}
		if len(result) > 0 && result[len(result)-1] == key {
			continue
		}
		result = append(result, key)
	}
	return PermissionSet(append([]string(nil), result...))
}

// Equal reports whether two sets hold the same keys.
func (p PermissionSet) Equal(other PermissionSet) bool {
	if len(p) != len(other) {
		return false
	}
	for index := range p {
		if p[index] != other[index] {
			return false
		}
	}
	return true
}
