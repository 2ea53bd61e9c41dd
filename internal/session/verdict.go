// Copyright by Eric S. Raymond
// SPDX-License-Identifier: BSD-2-Clause

package session

import (
	"context"
	"fmt"
	"strings"
)

// verdictWords are the four command verbs a verdict line can be
// built from; a token is recognized as starting a new clause when it
// is a (non-empty) prefix of one of these.
var verdictWords = []string{"good", "bad", "skip", "unmark"}

func isVerdictPrefix(token string) bool {
	t := strings.ToLower(token)
	if t == "" {
		return false
	}
	for _, w := range verdictWords {
		if strings.HasPrefix(w, t) {
			return true
		}
	}
	return false
}

// ResolveFunc resolves a ref (commit ID, tag, branch, or a VCS-native
// shorthand) to a commit ID, returning an error if it does not
// resolve to anything in the repository.
type ResolveFunc func(ctx context.Context, ref string) (string, error)

// VerdictSets is what one verdict command line resolves to: one slice
// of commit IDs per bucket, ready to hand to bisect.Verdict.
type VerdictSets struct {
	Goods, Bads, Skips, Unmarks []string
}

func dedupe(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(list))
	result := make([]string, 0, len(list))
	for _, c := range list {
		if !seen[c] {
			seen[c] = true
			result = append(result, c)
		}
	}
	return result
}

// ParseVerdictCommand tokenizes a "good"/"bad"/"skip"/"unmark"
// command line into its four buckets. Tokens after the leading verb
// are treated as refs to resolve against that verb's bucket, except
// that any token which itself prefix-matches one of the four verbs
// starts a new clause in the same line — "good a b bad c" marks a and
// b good and c bad in a single command. A clause with no refs applies
// to currentCommit. Every ref must resolve, and no single commit may
// land in two different buckets from this one command — both are
// reported as errors rather than silently dropped, since either one
// means the command didn't mean what its author intended.
func ParseVerdictCommand(ctx context.Context, tokens []string, currentCommit string, resolve ResolveFunc) (VerdictSets, error) {
	if len(tokens) == 0 {
		return VerdictSets{}, fmt.Errorf("empty command")
	}

	var clauses [][]string
	clause := []string{tokens[0]}
	for _, tok := range tokens[1:] {
		if isVerdictPrefix(tok) {
			clauses = append(clauses, clause)
			clause = []string{tok}
		} else {
			clause = append(clause, tok)
		}
	}
	clauses = append(clauses, clause)

	buckets := map[byte][]string{}
	owner := map[string]byte{}

	for _, c := range clauses {
		key := strings.ToLower(c[0])[0]
		refs := c[1:]
		if len(refs) == 0 {
			if currentCommit == "" {
				return VerdictSets{}, fmt.Errorf("%q has no arguments and there is no current commit to use", c[0])
			}
			refs = []string{currentCommit}
		}
		for _, ref := range refs {
			commit, err := resolve(ctx, ref)
			if err != nil || commit == "" {
				return VerdictSets{}, fmt.Errorf("could not resolve %q to a commit", ref)
			}
			if prior, ok := owner[commit]; ok && prior != key {
				return VerdictSets{}, fmt.Errorf("invalid command: %s was marked more than once", ref)
			}
			owner[commit] = key
			buckets[key] = append(buckets[key], commit)
		}
	}

	return VerdictSets{
		Goods:   dedupe(buckets['g']),
		Bads:    dedupe(buckets['b']),
		Skips:   dedupe(buckets['s']),
		Unmarks: dedupe(buckets['u']),
	}, nil
}
