package output

import (
	"fmt"
	"time"
)

// Range is a half-open index interval [Start, Stop).
type Range struct {
	Start int
	Stop  int
}

// Span returns the range [start, stop).
func Span(start, stop int) Range { return Range{Start: start, Stop: stop} }

// Len is the number of indices in the range.
func (r Range) Len() int {
	if r.Stop < r.Start {
		return 0
	}
	return r.Stop - r.Start
}

func (r Range) String() string { return fmt.Sprintf("[%d:%d)", r.Start, r.Stop) }

// Chunk is a rectangular block of values written in one call.
//
// Values are in row-major order over (time, y, x). A chunk with an empty Time
// range has no time dimension: its values are (y, x) only and are broadcast
// across every time index of the target.
type Chunk struct {
	Time   Range
	Y      Range
	X      Range
	Values []float64
	// Times optionally labels the indices of Time.
	Times []time.Time
}

// HasTime reports whether the chunk carries a time dimension.
func (c Chunk) HasTime() bool { return c.Time.Len() > 0 }

// Size is the number of values the chunk's window holds.
func (c Chunk) Size() int {
	n := c.Y.Len() * c.X.Len()
	if c.HasTime() {
		n *= c.Time.Len()
	}
	return n
}

// Validate checks that the chunk fits a grid of nt times, height rows and
// width columns and carries exactly one value per cell.
func (c Chunk) Validate(nt, height, width int) error {
	if c.Y.Len() == 0 || c.X.Len() == 0 {
		return Errorf(KindInvalidChunk, "empty window y=%s x=%s", c.Y, c.X)
	}
	if c.Y.Start < 0 || c.Y.Stop > height || c.X.Start < 0 || c.X.Stop > width {
		return Errorf(KindInvalidChunk, "window y=%s x=%s outside %dx%d grid", c.Y, c.X, height, width)
	}
	if c.HasTime() && (c.Time.Start < 0 || c.Time.Stop > nt) {
		return Errorf(KindInvalidChunk, "time window %s outside %d slices", c.Time, nt)
	}
	if len(c.Values) != c.Size() {
		return Errorf(KindInvalidChunk, "window holds %d values, got %d", c.Size(), len(c.Values))
	}
	if len(c.Times) > 0 && len(c.Times) != c.Time.Len() {
		return Errorf(KindInvalidChunk, "%d time labels for time window %s", len(c.Times), c.Time)
	}
	return nil
}

// Plane returns the (y, x) values of the i-th time index of the chunk. A
// chunk without time returns its values for every i.
func (c Chunk) Plane(i int) []float64 {
	if !c.HasTime() {
		return c.Values
	}
	n := c.Y.Len() * c.X.Len()
	return c.Values[i*n : (i+1)*n]
}

// TimeIndices returns the absolute time indices the chunk writes to in a
// target with nt slices.
func (c Chunk) TimeIndices(nt int) []int {
	if c.HasTime() {
		out := make([]int, 0, c.Time.Len())
		for t := c.Time.Start; t < c.Time.Stop; t++ {
			out = append(out, t)
		}
		return out
	}
	out := make([]int, nt)
	for t := range out {
		out[t] = t
	}
	return out
}
