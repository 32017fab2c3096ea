package matrix

// Combinations returns every size-r subset of {1..n} as a sorted slice, in
// lexicographic order.
func Combinations(n, r int) [][]int {
	if r < 0 || r > n {
		return nil
	}
	var out [][]int
	cur := make([]int, 0, r)

	var rec func(start int)
	rec = func(start int) {
		if len(cur) == r {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i <= n-(r-len(cur))+1; i++ {
			cur = append(cur, i)
			rec(i + 1)
			cur = cur[:len(cur)-1]
		}
	}
	rec(1)
	return out
}

// Binomial returns C(n, r).
func Binomial(n, r int) int {
	if r < 0 || r > n {
		return 0
	}
	if r > n-r {
		r = n - r
	}
	c := 1
	for i := 1; i <= r; i++ {
		c = c * (n - r + i) / i
	}
	return c
}
