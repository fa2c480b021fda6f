package delta

// subsequence lists matched positions of a longest common subsequence, in
// increasing order on both sides.
type subsequence struct {
	left  []int
	right []int
}

func (s subsequence) hasLeft(i int) bool {
	for _, v := range s.left {
		if v == i {
			return true
		}
	}
	return false
}

func (s subsequence) indexOfRight(j int) int {
	for pos, v := range s.right {
		if v == j {
			return pos
		}
	}
	return -1
}

func longestCommonSubsequence(m *matcher) subsequence {
	len1, len2 := len(m.left), len(m.right)
	lengths := make([][]int, len1+1)
	for x := range lengths {
		lengths[x] = make([]int, len2+1)
	}
	for x := 1; x <= len1; x++ {
		for y := 1; y <= len2; y++ {
			if m.match(x-1, y-1) {
				lengths[x][y] = lengths[x-1][y-1] + 1
			} else {
				lengths[x][y] = max(lengths[x-1][y], lengths[x][y-1])
			}
		}
	}

	// Backtrack from the end. On a tie the left index steps back first.
	var seq subsequence
	x, y := len1, len2
	for x != 0 && y != 0 {
		if m.match(x-1, y-1) {
			seq.left = append(seq.left, x-1)
			seq.right = append(seq.right, y-1)
			x--
			y--
			continue
		}
		if lengths[x][y-1] > lengths[x-1][y] {
			y--
		} else {
			x--
		}
	}
	reverse(seq.left)
	reverse(seq.right)
	return seq
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
