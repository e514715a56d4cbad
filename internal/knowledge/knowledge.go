// ABOUTME: Searcher interface for knowledge lookups plus a static in-memory impl.
// ABOUTME: Static ranks by naive term overlap; real backends replace it wholesale.

package knowledge

import (
	"context"
	"sort"
	"strings"
)

// Query narrows a knowledge search. Text is required; everything else is an
// optional filter.
type Query struct {
	// Text is the free-text query.
	Text string

	// Role restricts results to those tagged for a role, when set.
	Role string

	// Intent restricts results to those tagged for a message intent, when set.
	Intent string

	// Context carries caller-side hints (conversation, task) that backends
	// may use for ranking. Static ignores it.
	Context map[string]any

	// MaxResults caps the result count; zero means 10.
	MaxResults int
}

// Item is one ranked search result.
type Item struct {
	ID       string
	Content  string
	Source   string
	Roles    []string
	Intents  []string
	Score    float64
	Metadata map[string]string
}

// Searcher answers knowledge queries with ranked items, best first.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Item, error)
}

// Static is a fixed in-memory corpus with term-overlap ranking.
type Static struct {
	items []Item
}

// NewStatic builds a Static searcher over the given items.
func NewStatic(items []Item) *Static {
	return &Static{items: items}
}

// Search scores each item by the fraction of query terms its content
// contains, filters by role, and returns the top matches.
func (s *Static) Search(_ context.Context, q Query) ([]Item, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, nil
	}
	max := q.MaxResults
	if max <= 0 {
		max = 10
	}

	var results []Item
	for _, item := range s.items {
		if q.Role != "" && !hasTag(item.Roles, q.Role) {
			continue
		}
		if q.Intent != "" && !hasTag(item.Intents, q.Intent) {
			continue
		}
		content := strings.ToLower(item.Content)
		hits := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		scored := item
		scored.Score = float64(hits) / float64(len(terms))
		results = append(results, scored)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > max {
		results = results[:max]
	}
	return results, nil
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if strings.EqualFold(tag, want) {
			return true
		}
	}
	return false
}
