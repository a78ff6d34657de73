package models

import (
	"fmt"
	"math"
)

// Vec3 is a point or vector in LPS patient space, in mm
type Vec3 [3]float64

// Add returns v + o
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

// Sub returns v - o
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

// Scale returns v * s
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{v[0] * s, v[1] * s, v[2] * s}
}

// Dot returns the dot product of v and o
func (v Vec3) Dot(o Vec3) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

// Cross returns the cross product v x o
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Norm returns the Euclidean length of v
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Size3 holds voxel counts along the x, y and z index axes
type Size3 [3]int

// Voxels returns the total number of voxels
func (s Size3) Voxels() int {
	return s[0] * s[1] * s[2]
}

func (s Size3) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

// Direction holds direction cosines as a row-major 3x3 matrix.
// Column c is the unit vector, in LPS space, along which index axis c grows.
type Direction [9]float64

// IdentityDirection is the direction of an axis-aligned LPS volume
var IdentityDirection = Direction{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Axis returns the direction vector of index axis c
func (d Direction) Axis(c int) Vec3 {
	return Vec3{d[c], d[3+c], d[6+c]}
}

// WithAxis returns a copy of d with column c replaced by v
func (d Direction) WithAxis(c int, v Vec3) Direction {
	d[c], d[3+c], d[6+c] = v[0], v[1], v[2]
	return d
}

// MaxFractionalValue is the quantized value of probability 1
const MaxFractionalValue = 255

// LabeledVolume is a 3D array of region identifiers with its spatial frame.
// Identifier 0 is background.
type LabeledVolume struct {
	// Size is the number of voxels along each index axis
	Size Size3

	// Spacing is the physical voxel size along each index axis in mm
	Spacing Vec3

	// Origin is the physical position of voxel (0,0,0)
	Origin Vec3

	// Direction holds the direction cosines of the index axes
	Direction Direction

	// Labels is the voxel data in row-major order: z*X*Y + y*X + x
	Labels []uint32

	// Fractional marks a probability map. Labels then holds probabilities
	// quantized to 0..MaxFractionalValue instead of region identifiers.
	Fractional bool
}

// NewLabeledVolume allocates a zero-filled volume on an axis-aligned grid
// with unit spacing and the origin at zero.
func NewLabeledVolume(size Size3) *LabeledVolume {
	return &LabeledVolume{
		Size:      size,
		Spacing:   Vec3{1, 1, 1},
		Direction: IdentityDirection,
		Labels:    make([]uint32, size.Voxels()),
	}
}

// Index returns the flat index of voxel (x, y, z)
func (v *LabeledVolume) Index(x, y, z int) int {
	return z*v.Size[0]*v.Size[1] + y*v.Size[0] + x
}

// At returns the label at voxel (x, y, z)
func (v *LabeledVolume) At(x, y, z int) uint32 {
	return v.Labels[v.Index(x, y, z)]
}

// Set stores label at voxel (x, y, z)
func (v *LabeledVolume) Set(x, y, z int, label uint32) {
	v.Labels[v.Index(x, y, z)] = label
}

// Validate checks that the label buffer matches the declared size
func (v *LabeledVolume) Validate() error {
	for i, n := range v.Size {
		if n <= 0 {
			return fmt.Errorf("volume size %s has non-positive extent on axis %d", v.Size, i)
		}
	}
	if len(v.Labels) != v.Size.Voxels() {
		return fmt.Errorf("volume of size %s holds %d voxels, want %d", v.Size, len(v.Labels), v.Size.Voxels())
	}
	if v.Fractional {
		for i, l := range v.Labels {
			if l > MaxFractionalValue {
				return fmt.Errorf("probability map voxel %d holds %d, above %d", i, l, MaxFractionalValue)
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the volume
func (v *LabeledVolume) Clone() *LabeledVolume {
	c := *v
	c.Labels = make([]uint32, len(v.Labels))
	copy(c.Labels, v.Labels)
	return &c
}

// Grid returns the spatial frame of the volume without its data
func (v *LabeledVolume) Grid() Grid {
	return Grid{Size: v.Size, Spacing: v.Spacing, Origin: v.Origin, Direction: v.Direction}
}

// Grid is a voxel lattice in patient space
type Grid struct {
	Size      Size3
	Spacing   Vec3
	Origin    Vec3
	Direction Direction
}

// PhysicalPoint maps a (possibly fractional) index to patient space
func (g Grid) PhysicalPoint(i, j, k float64) Vec3 {
	idx := [3]float64{i, j, k}
	p := g.Origin
	for c := 0; c < 3; c++ {
		p = p.Add(g.Direction.Axis(c).Scale(idx[c] * g.Spacing[c]))
	}
	return p
}
