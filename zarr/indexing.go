package zarr

// A mapping of items from a region of the array onto one chunk. Used to
// extract items from a value array for setting/updating in a chunk array, and
// to copy chunk items into an output array.
type chunkProjection struct {
	// Indices of chunk
	ChunkCoords []int
	// Start of the selection in array coordinates.
	Lo []int
	// End (exclusive) of the selection in array coordinates.
	Hi []int
}

// project lists every chunk intersecting the region [offset, offset+count) of
// an array with the given shape and chunk shape, in C order.
func project(shape, chunks, offset, count []int) []chunkProjection {
	n := len(shape)
	first := make([]int, n)
	last := make([]int, n)
	for d := 0; d < n; d++ {
		if count[d] <= 0 {
			return nil
		}
		first[d] = offset[d] / chunks[d]
		last[d] = (offset[d] + count[d] - 1) / chunks[d]
	}

	var out []chunkProjection
	coords := append([]int(nil), first...)
	for {
		p := chunkProjection{
			ChunkCoords: append([]int(nil), coords...),
			Lo:          make([]int, n),
			Hi:          make([]int, n),
		}
		for d := 0; d < n; d++ {
			p.Lo[d] = max(coords[d]*chunks[d], offset[d])
			p.Hi[d] = min((coords[d]+1)*chunks[d], offset[d]+count[d], shape[d])
		}
		out = append(out, p)

		d := n - 1
		for ; d >= 0; d-- {
			coords[d]++
			if coords[d] <= last[d] {
				break
			}
			coords[d] = first[d]
		}
		if d < 0 {
			return out
		}
	}
}

// strides returns C order element strides for shape.
func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for d := len(shape) - 1; d >= 0; d-- {
		s[d] = acc
		acc *= shape[d]
	}
	return s
}

// forEachRow calls fn with the start of every innermost row of the box
// [lo, hi); the row runs along the last dimension from lo[n-1] to hi[n-1].
func forEachRow(lo, hi []int, fn func(idx []int)) {
	n := len(lo)
	for d := 0; d < n; d++ {
		if hi[d] <= lo[d] {
			return
		}
	}
	idx := append([]int(nil), lo...)
	for {
		fn(idx)
		d := n - 2
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < hi[d] {
				break
			}
			idx[d] = lo[d]
		}
		if d < 0 {
			return
		}
	}
}

func offsetOf(idx, origin, stride []int) int {
	off := 0
	for d := range idx {
		off += (idx[d] - origin[d]) * stride[d]
	}
	return off
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
