package plugins

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/BaSui01/commandflow/types"
	"github.com/agnivade/levenshtein"
)

// =============================================================================
// 🔎 命令建议
// =============================================================================

const (
	// DefaultSuggestLimit 默认建议条数
	DefaultSuggestLimit = 5
	// MaxSuggestLimit 建议条数上限
	MaxSuggestLimit = 50
	// SuggestThreshold 低于该分数的候选被丢弃
	SuggestThreshold = 0.4
)

// ClampSuggestLimit normalizes a caller-supplied limit.
func ClampSuggestLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultSuggestLimit
	case limit > MaxSuggestLimit:
		return MaxSuggestLimit
	}
	return limit
}

// Suggest ranks active commands against query. Each command contributes its best
// scoring name or alias; results are ordered by descending score, ties by
// registration order, and truncated to limit.
func (s *Snapshot) Suggest(query string, limit int) []types.Suggestion {
	limit = ClampSuggestLimit(limit)
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []types.Suggestion{}
	}

	type ranked struct {
		types.Suggestion
		order int
	}
	var hits []ranked
	for _, name := range s.commandOrder {
		rt := s.commands[name]
		if !s.isActive(rt.Meta.Name) {
			continue
		}
		best := ranked{order: rt.order}
		best.Command = name
		for _, cand := range append([]string{name}, rt.Command.Aliases...) {
			if sc := Score(q, strings.ToLower(cand)); sc > best.Score {
				best.Score = sc
				best.Matched = cand
			}
		}
		if best.Score >= SuggestThreshold {
			hits = append(hits, best)
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].order < hits[j].order
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]types.Suggestion, len(hits))
	for i, h := range hits {
		out[i] = h.Suggestion
	}
	return out
}

// Score returns the similarity of candidate to query in [0, 1]: the larger of the
// normalized Levenshtein similarity and, when candidate starts with query, a prefix
// score of 0.8 + 0.2*len(query)/len(candidate). Inputs are compared as given.
func Score(query, candidate string) float64 {
	ql, cl := utf8.RuneCountInString(query), utf8.RuneCountInString(candidate)
	if ql == 0 && cl == 0 {
		return 1
	}

	maxLen := max(ql, cl)
	score := 1 - float64(levenshtein.ComputeDistance(query, candidate))/float64(maxLen)

	if ql > 0 && strings.HasPrefix(candidate, query) {
		if p := 0.8 + 0.2*float64(ql)/float64(cl); p > score {
			score = p
		}
	}
	return score
}
