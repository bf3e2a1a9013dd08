package util

import "cmp"

func InRange[T cmp.Ordered](v, lo, hi T) bool {
	return lo <= v && v <= hi
}
