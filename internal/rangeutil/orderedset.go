// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package rangeutil

import (
	orderedset "github.com/emirpasic/gods/sets/linkedhashset"
)

// CommitSet is an insertion-order-preserving set of commit IDs. It
// wraps gods' linkedhashset the way reposurgeon's selectionSet wraps
// it for event numbers, so rev-list ordering survives set algebra.
type CommitSet struct {
	set *orderedset.Set
}

// NewCommitSet builds a CommitSet from an ordered slice of commit IDs,
// preserving first-seen order and dropping duplicates.
func NewCommitSet(commits ...string) *CommitSet {
	cs := &CommitSet{set: orderedset.New()}
	for _, c := range commits {
		cs.set.Add(c)
	}
	return cs
}

// Add inserts a commit ID, a no-op if already present.
func (cs *CommitSet) Add(commit string) {
	cs.set.Add(commit)
}

// Remove deletes a commit ID, a no-op if absent.
func (cs *CommitSet) Remove(commit string) {
	cs.set.Remove(commit)
}

// Contains reports set membership.
func (cs *CommitSet) Contains(commit string) bool {
	return cs.set.Contains(commit)
}

// Size returns the element count.
func (cs *CommitSet) Size() int {
	return cs.set.Size()
}

// Values returns the elements in insertion order.
func (cs *CommitSet) Values() []string {
	raw := cs.set.Values()
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = v.(string)
	}
	return out
}

// Intersect returns a new set of elements present in both cs and
// other, ordered as they appear in cs.
func (cs *CommitSet) Intersect(other *CommitSet) *CommitSet {
	result := orderedset.New()
	for _, v := range cs.set.Values() {
		if other.set.Contains(v) {
			result.Add(v)
		}
	}
	return &CommitSet{set: result}
}

// Subtract returns a new set of elements in cs that are not in other,
// ordered as they appear in cs.
func (cs *CommitSet) Subtract(other *CommitSet) *CommitSet {
	result := orderedset.New()
	for _, v := range cs.set.Values() {
		if !other.set.Contains(v) {
			result.Add(v)
		}
	}
	return &CommitSet{set: result}
}
