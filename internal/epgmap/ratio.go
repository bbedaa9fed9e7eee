package epgmap

// Ratio measures similarity of two strings as 2*M / (len(a)+len(b)), where M
// is the total length of matching blocks found by repeatedly taking the
// longest common substring and recursing on both sides. Equivalent to
// difflib's SequenceMatcher ratio without junk handling. Returns 0..1.
func Ratio(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	m := matchTotal([]byte(a), []byte(b))
	return 2 * float64(m) / float64(len(a)+len(b))
}

func matchTotal(a, b []byte) int {
	ai, bi, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchTotal(a[:ai], b[:bi])
	total += matchTotal(a[ai+size:], b[bi+size:])
	return total
}

// longestMatch finds the longest common substring with dynamic programming
// over one rolling row. On ties the earliest match in a wins, matching
// difflib's choice.
func longestMatch(a, b []byte) (ai, bi, size int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 0; i < len(a); i++ {
		for j := 0; j < len(b); j++ {
			if a[i] == b[j] {
				cur[j+1] = prev[j] + 1
				if cur[j+1] > size {
					size = cur[j+1]
					ai = i + 1 - size
					bi = j + 1 - size
				}
			} else {
				cur[j+1] = 0
			}
		}
		prev, cur = cur, prev
	}
	return ai, bi, size
}
