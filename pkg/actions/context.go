package actions

import (
	"gihan9a/groupsync/pkg/document"
)

// Bias picks between equally good insertion points.
type Bias string

const (
	BiasStart Bias = "start"
	BiasEnd   Bias = "end"
)

// DefaultContextSize is the number of neighbours recorded on each side.
const DefaultContextSize = 2

// ResolveContext returns the index at which to insert into array. Every
// split point is scored by how many Before entries fall before it plus how
// many After entries fall after it; the best score wins.
func ResolveContext(array []string, ctx Context, bias Bias) int {
	if ctx.After == nil {
		return 0
	}
	if ctx.Before == nil {
		return len(array)
	}

	bestScore, bestIndex := -1, 0
	for i := 0; i <= len(array); i++ {
		score := countIn(ctx.Before, array[:i]) + countIn(ctx.After, array[i:])
		if score > bestScore || (score == bestScore && bias == BiasEnd) {
			bestScore = score
			bestIndex = i
		}
	}
	return bestIndex
}

func countIn(items, array []string) int {
	n := 0
	for _, item := range items {
		if contains(array, item) {
			n++
		}
	}
	return n
}

func contains(array []string, item string) bool {
	for _, v := range array {
		if v == item {
			return true
		}
	}
	return false
}

// CreateContext records the neighbours of item when inserted at index.
func CreateContext(array []string, index int, item string) Context {
	return CreateContextSize(array, index, item, DefaultContextSize)
}

// CreateContextSize is CreateContext with a custom number of neighbours.
func CreateContextSize(array []string, index int, item string, size int) Context {
	index = max(0, min(index, len(array)))
	if contains(array[:index], item) {
		index = min(index+1, len(array))
	}
	before := without(array[:index], item)
	after := without(array[index:], item)
	if len(before) > size {
		before = before[len(before)-size:]
	}
	if len(after) > size {
		after = after[:size]
	}
	return Context{Before: before, After: after}
}

func without(array []string, item string) []string {
	out := make([]string, 0, len(array))
	for _, v := range array {
		if v != item {
			out = append(out, v)
		}
	}
	return out
}

// Rebase recomputes the insertion context of a against doc, so that it
// lands where it would have when replayed there. Actions without a context
// are returned unchanged.
func (r *Reducer) Rebase(doc document.Document, a Action) Action {
	switch a := a.(type) {
	case AddMember:
		a.Context = r.rebase(members(doc, a.Group), a.Context, a.Member)
		return a
	case AddIfMissing:
		a.Context = r.rebase(members(doc, a.Group), a.Context, a.Member)
		return a
	case MoveMember:
		a.Context = r.rebase(members(doc, a.Group), a.Context, a.Member)
		return a
	case AddCustom:
		a.Context = r.rebase(responseIDs(doc), a.Context, a.Person.ResponseID)
		return a
	}
	return a
}

func (r *Reducer) rebase(array []string, ctx Context, item string) Context {
	return CreateContext(array, ResolveContext(array, ctx, r.Bias), item)
}

func members(doc document.Document, group string) []string {
	return doc.Groups[group].Members
}

func responseIDs(doc document.Document) []string {
	ids := make([]string, len(doc.CustomPeople))
	for i, p := range doc.CustomPeople {
		ids[i] = p.ResponseID
	}
	return ids
}
