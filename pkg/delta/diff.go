package delta

import (
	"sort"
)

// Differ diffs and patches trees using an identity function to recognise
// array items that moved rather than changed.
type Differ struct {
	identity IdentityFunc
}

// New returns a Differ. A nil identity falls back to ContentHash.
func New(identity IdentityFunc) *Differ {
	if identity == nil {
		identity = ContentHash
	}
	return &Differ{identity: identity}
}

// same reports whether two values denote the same item: scalars by value,
// containers by identity.
func (df *Differ) same(a, b any) bool {
	aContainer, bContainer := isContainer(a), isContainer(b)
	if !aContainer && !bContainer {
		return a == b
	}
	if aContainer != bContainer {
		return false
	}
	return df.identity(a) == df.identity(b)
}

// Diff returns the delta turning before into after, or nil when they are
// equal.
func (df *Differ) Diff(before, after any) Delta {
	return df.diff(before, after)
}

func (df *Differ) diff(left, right any) Delta {
	switch l := left.(type) {
	case map[string]any:
		r, ok := right.(map[string]any)
		if !ok {
			return Modified{Old: Clone(left), New: Clone(right)}
		}
		return df.diffObjects(l, r)
	case []any:
		r, ok := right.([]any)
		if !ok {
			return Modified{Old: Clone(left), New: Clone(right)}
		}
		return df.diffArrays(l, r)
	}
	if isContainer(right) || left != right {
		return Modified{Old: Clone(left), New: Clone(right)}
	}
	return nil
}

func (df *Differ) diffObjects(left, right map[string]any) Delta {
	fields := make(map[string]Delta)
	for name, lv := range left {
		rv, ok := right[name]
		if !ok {
			fields[name] = Deleted{Old: Clone(lv)}
			continue
		}
		if child := df.diff(lv, rv); child != nil {
			fields[name] = child
		}
	}
	for name, rv := range right {
		if _, ok := left[name]; !ok {
			fields[name] = Added{Value: Clone(rv)}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &Object{Fields: fields}
}

// matcher caches item keys for the two arrays being compared.
type matcher struct {
	df      *Differ
	left    []any
	right   []any
	leftID  map[int]string
	rightID map[int]string
}

func newMatcher(df *Differ, left, right []any) *matcher {
	return &matcher{
		df:      df,
		left:    left,
		right:   right,
		leftID:  make(map[int]string),
		rightID: make(map[int]string),
	}
}

func (m *matcher) match(i, j int) bool {
	a, b := m.left[i], m.right[j]
	aContainer, bContainer := isContainer(a), isContainer(b)
	if !aContainer && !bContainer {
		return a == b
	}
	if aContainer != bContainer {
		return false
	}
	ai, ok := m.leftID[i]
	if !ok {
		ai = m.df.identity(a)
		m.leftID[i] = ai
	}
	bi, ok := m.rightID[j]
	if !ok {
		bi = m.df.identity(b)
		m.rightID[j] = bi
	}
	return ai == bi
}

func (df *Differ) diffArrays(left, right []any) Delta {
	var ops []ArrayOp
	child := func(i, j int) {
		if d := df.diff(left[i], right[j]); d != nil {
			ops = append(ops, ArrayOp{Kind: OpModify, Index: j, Delta: d})
		}
	}

	m := newMatcher(df, left, right)
	len1, len2 := len(left), len(right)

	// common head
	head := 0
	for head < len1 && head < len2 && m.match(head, head) {
		child(head, head)
		head++
	}
	// common tail
	tail := 0
	for tail+head < len1 && tail+head < len2 && m.match(len1-1-tail, len2-1-tail) {
		child(len1-1-tail, len2-1-tail)
		tail++
	}

	switch {
	case head+tail == len1:
		// a block was added
		for i := head; i < len2-tail; i++ {
			ops = append(ops, ArrayOp{Kind: OpInsert, Index: i, Value: Clone(right[i])})
		}
		return arrayDelta(ops)
	case head+tail == len2:
		// a block was removed
		for i := head; i < len1-tail; i++ {
			ops = append(ops, ArrayOp{Kind: OpDelete, Index: i, Value: Clone(left[i])})
		}
		return arrayDelta(ops)
	}

	trimmed := newMatcher(df, left[head:len1-tail], right[head:len2-tail])
	seq := longestCommonSubsequence(trimmed)

	removals := make(map[int]int) // original index -> position in ops
	var removed []int
	for i := head; i < len1-tail; i++ {
		if !seq.hasLeft(i - head) {
			removals[i] = len(ops)
			ops = append(ops, ArrayOp{Kind: OpDelete, Index: i, Value: Clone(left[i])})
			removed = append(removed, i)
		}
	}

	for j := head; j < len2-tail; j++ {
		pos := seq.indexOfRight(j - head)
		if pos >= 0 {
			child(seq.left[pos]+head, seq.right[pos]+head)
			continue
		}
		moved := false
		for k, i := range removed {
			if !trimmed.match(i-head, j-head) {
				continue
			}
			op := &ops[removals[i]]
			op.Kind = OpMove
			op.To = j
			if j > 0 {
				op.Prev = Clone(right[j-1])
			}
			child(i, j)
			removed = append(removed[:k:k], removed[k+1:]...)
			moved = true
			break
		}
		if !moved {
			ops = append(ops, ArrayOp{Kind: OpInsert, Index: j, Value: Clone(right[j])})
		}
	}
	return arrayDelta(ops)
}

func arrayDelta(ops []ArrayOp) Delta {
	if len(ops) == 0 {
		return nil
	}
	sort.SliceStable(ops, func(a, b int) bool {
		return opOrder(ops[a]) < opOrder(ops[b])
	})
	return &Array{Ops: ops}
}

// opOrder groups removals before insertions and modifications, each in
// index order.
func opOrder(op ArrayOp) int {
	switch op.Kind {
	case OpDelete, OpMove:
		return op.Index
	default:
		return 1<<30 + op.Index
	}
}
