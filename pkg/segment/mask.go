// Package segment derives per-region binary masks from a reconciled labeled
// volume, with optional in-plane cropping and empty-slice pruning.
package segment

import (
	"fmt"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/labels"
)

// Box is an in-plane rectangle in voxel coordinates of the full grid.
// The zero Box is empty.
type Box struct {
	X, Y          int
	Width, Height int
}

// FullBox covers the whole plane of a grid of the given size
func FullBox(size models.Size3) Box {
	return Box{Width: size[0], Height: size[1]}
}

// Empty reports whether the box holds no pixel
func (b Box) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// Area returns the number of pixels in the box
func (b Box) Area() int {
	if b.Empty() {
		return 0
	}
	return b.Width * b.Height
}

// Contains reports whether pixel (x, y) lies in the box
func (b Box) Contains(x, y int) bool {
	return x >= b.X && x < b.X+b.Width && y >= b.Y && y < b.Y+b.Height
}

// Union returns the smallest box holding both b and o
func (b Box) Union(o Box) Box {
	if b.Empty() {
		return o
	}
	if o.Empty() {
		return b
	}
	x0, y0 := min(b.X, o.X), min(b.Y, o.Y)
	x1, y1 := max(b.X+b.Width, o.X+o.Width), max(b.Y+b.Height, o.Y+o.Height)
	return Box{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func (b Box) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", b.Width, b.Height, b.X, b.Y)
}

// Mask is the binary mask of one region on the reference grid, or the
// support and values of a probability map
type Mask struct {
	// Grid is the size of the reconciled volume
	Grid models.Size3

	// Box is the in-plane extent Data is restricted to. It covers the
	// whole plane when cropping is off or the segment is empty.
	Box Box

	// Data holds Box.Area() pixels per slice for every slice of the grid,
	// indexed z*W*H + (y-Box.Y)*W + (x-Box.X)
	Data []bool

	// Values holds the quantized probability of each pixel of Data for a
	// probability map, nil for a binary mask
	Values []uint8

	// SliceBoxes is the tight in-plane box of each slice, empty when the
	// slice holds no voxel of the region
	SliceBoxes []Box

	// Empty flags slices without any voxel of the region
	Empty []bool

	// Included lists, ascending, the slice indices that become frames
	Included []int
}

// Frame returns the cropped pixels of slice z. The slice aliases Data.
func (m *Mask) Frame(z int) []bool {
	a := m.Box.Area()
	return m.Data[z*a : (z+1)*a]
}

// FrameValues returns the probabilities of slice z, nil for a binary mask
func (m *Mask) FrameValues(z int) []uint8 {
	if m.Values == nil {
		return nil
	}
	a := m.Box.Area()
	return m.Values[z*a : (z+1)*a]
}

// At reports whether voxel (x, y, z) of the full grid is set
func (m *Mask) At(x, y, z int) bool {
	if !m.Box.Contains(x, y) {
		return false
	}
	return m.Data[z*m.Box.Area()+(y-m.Box.Y)*m.Box.Width+(x-m.Box.X)]
}

// IsEmpty reports whether no slice holds a voxel of the region
func (m *Mask) IsEmpty() bool {
	for _, e := range m.Empty {
		if !e {
			return false
		}
	}
	return true
}

// VoxelCount returns the number of set voxels
func (m *Mask) VoxelCount() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Uncrop translates the mask back by its box offset and zero-pads it to the
// full grid
func (m *Mask) Uncrop() *Mask {
	full := FullBox(m.Grid)
	out := &Mask{
		Grid:       m.Grid,
		Box:        full,
		Data:       make([]bool, full.Area()*m.Grid[2]),
		SliceBoxes: append([]Box(nil), m.SliceBoxes...),
		Empty:      append([]bool(nil), m.Empty...),
		Included:   append([]int(nil), m.Included...),
	}
	if m.Values != nil {
		out.Values = make([]uint8, len(out.Data))
	}
	for z := 0; z < m.Grid[2]; z++ {
		for y := 0; y < m.Box.Height; y++ {
			for x := 0; x < m.Box.Width; x++ {
				src := z*m.Box.Area() + y*m.Box.Width + x
				dst := z*full.Area() + (y+m.Box.Y)*full.Width + x + m.Box.X
				out.Data[dst] = m.Data[src]
				if m.Values != nil {
					out.Values[dst] = m.Values[src]
				}
			}
		}
	}
	return out
}

// Record is one numbered segment ready for assembly
type Record struct {
	// Number is the 1-based segment number
	Number int

	Descriptor labels.Descriptor
	Mask       *Mask
}
