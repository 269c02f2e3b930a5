package rules

import (
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cloudflare/ahocorasick"
)

type patternRef struct {
	rule     int
	category Category
}

// Set is a compiled rule corpus. All byte and string patterns across
// every rule feed a single automaton so content is scanned once
// regardless of corpus size.
type Set struct {
	rules    []SignatureRule
	patterns [][]byte
	refs     []patternRef
	matcher  *ahocorasick.Matcher
}

// Compile builds a Set from validated rules. Byte signatures are
// hex-decoded here; LoadFile guarantees they decode, and Compile
// silently drops any that do not so a Set built from hand-assembled
// rules stays consistent.
func Compile(ruleList []SignatureRule) *Set {
	s := &Set{rules: ruleList}
	for i, r := range ruleList {
		for _, sig := range r.ByteSignatures {
			raw, err := hex.DecodeString(strings.TrimSpace(sig))
			if err != nil || len(raw) == 0 {
				continue
			}
			s.patterns = append(s.patterns, raw)
			s.refs = append(s.refs, patternRef{rule: i, category: CategoryBytes})
		}
		for _, pat := range r.StringPatterns {
			s.patterns = append(s.patterns, []byte(pat))
			s.refs = append(s.refs, patternRef{rule: i, category: CategoryString})
		}
	}
	if len(s.patterns) > 0 {
		s.matcher = ahocorasick.NewMatcher(s.patterns)
	}
	return s
}

// Rules exposes the compiled corpus in rule-index order.
func (s *Set) Rules() []SignatureRule { return s.rules }

// Len reports the number of compiled rules.
func (s *Set) Len() int { return len(s.rules) }

// NeedsContent reports whether any rule carries content patterns,
// letting the caller skip reading file bodies entirely for a
// name-only corpus.
func (s *Set) NeedsContent() bool { return s.matcher != nil }

// NameHits returns the per-rule category evidence gathered from the
// file name alone.
func (s *Set) NameHits(name string) map[int]map[Category]bool {
	var hits map[int]map[Category]bool
	base := filepath.Base(name)
	for i, r := range s.rules {
		for _, pat := range r.NamePatterns {
			target := base
			if strings.ContainsRune(pat, '/') {
				target = filepath.ToSlash(name)
			}
			ok, err := doublestar.Match(pat, target)
			if err != nil || !ok {
				continue
			}
			if hits == nil {
				hits = make(map[int]map[Category]bool, 4)
			}
			if hits[i] == nil {
				hits[i] = make(map[Category]bool, 2)
			}
			hits[i][CategoryName] = true
			break
		}
	}
	return hits
}

// ContentHits runs the shared automaton over content and folds the
// matched pattern indices back into per-rule category evidence,
// merging into prior (typically name) evidence when given.
func (s *Set) ContentHits(content []byte, prior map[int]map[Category]bool) map[int]map[Category]bool {
	hits := prior
	if s.matcher == nil || len(content) == 0 {
		return hits
	}
	for _, idx := range s.matcher.MatchThreadSafe(content) {
		if idx < 0 || idx >= len(s.refs) {
			continue
		}
		ref := s.refs[idx]
		if hits == nil {
			hits = make(map[int]map[Category]bool, 4)
		}
		if hits[ref.rule] == nil {
			hits[ref.rule] = make(map[Category]bool, 2)
		}
		hits[ref.rule][ref.category] = true
	}
	return hits
}

// Satisfied reports whether the evidence completes the rule at index
// i: every category the rule declares patterns for must be present.
func (s *Set) Satisfied(i int, evidence map[Category]bool) bool {
	r := &s.rules[i]
	if len(r.NamePatterns) > 0 && !evidence[CategoryName] {
		return false
	}
	if len(r.ByteSignatures) > 0 && !evidence[CategoryBytes] {
		return false
	}
	if len(r.StringPatterns) > 0 && !evidence[CategoryString] {
		return false
	}
	return true
}
