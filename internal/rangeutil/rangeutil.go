// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

// Package rangeutil implements C9: parsing, validating, and
// intersecting commit ranges.
package rangeutil

import (
	"context"
	"fmt"
	"strings"

	"gitlab.com/esr/gobisect/internal/xerrors"
)

// Range is an ordered pair of refs bracketing a bisection. Either
// side may be empty, meaning "open" on that end.
type Range struct {
	Start string
	End   string
}

// Resolver is the slice of C1 that range validation needs: turning a
// ref into a commit ID, and answering ancestor queries. Kept narrow so
// tests can supply a fake instead of a live VCS adapter.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
}

// ParseRange splits "A..B" into its two halves. The separator must
// occur exactly once and may not be part of a longer run of dots
// ("A...B" is rejected); either half may be empty.
func ParseRange(spec string) (Range, error) {
	parts := strings.Split(spec, "..")
	if len(parts) != 2 || strings.Contains(spec, "...") {
		return Range{}, fmt.Errorf("%w: %q does not have exactly one \"..\"", xerrors.ErrRangeInvalid, spec)
	}
	return Range{Start: parts[0], End: parts[1]}, nil
}

// Validate resolves both non-empty endpoints and, when both are
// present, requires Start to be an ancestor of End. Without allowEmpty
// both endpoints must be given; with it, either or both may be blank.
//
// Returns the resolved (start, end) commit IDs; an empty string in the
// result means that side was empty and allowed to be.
func Validate(ctx context.Context, r Range, allowEmpty bool, vcs Resolver) (startCommit, endCommit string, err error) {
	if r.Start == "" && r.End == "" {
		if allowEmpty {
			return "", "", nil
		}
		return "", "", fmt.Errorf("%w: range has no endpoints", xerrors.ErrRangeInvalid)
	}

	if r.Start != "" {
		startCommit, err = vcs.Resolve(ctx, r.Start)
		if err != nil || startCommit == "" {
			return "", "", fmt.Errorf("%w: start ref %q: %v", xerrors.ErrRangeInvalid, r.Start, err)
		}
	} else if !allowEmpty {
		return "", "", fmt.Errorf("%w: start ref is empty", xerrors.ErrRangeInvalid)
	}

	if r.End != "" {
		endCommit, err = vcs.Resolve(ctx, r.End)
		if err != nil || endCommit == "" {
			return "", "", fmt.Errorf("%w: end ref %q: %v", xerrors.ErrRangeInvalid, r.End, err)
		}
	} else if !allowEmpty {
		return "", "", fmt.Errorf("%w: end ref is empty", xerrors.ErrRangeInvalid)
	}

	if startCommit != "" && endCommit != "" {
		ok, err := vcs.IsAncestor(ctx, startCommit, endCommit)
		if err != nil {
			return "", "", fmt.Errorf("%w: ancestor check failed: %v", xerrors.ErrRangeInvalid, err)
		}
		if !ok {
			return "", "", fmt.Errorf("%w: %s is not an ancestor of %s", xerrors.ErrRangeInvalid, startCommit, endCommit)
		}
	}

	return startCommit, endCommit, nil
}

// String renders the range in "A..B" form, same as it was parsed.
func (r Range) String() string {
	return r.Start + ".." + r.End
}
