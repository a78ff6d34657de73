package segment

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/config"
	"github.com/medgift/nifti-to-seg/pkg/errs"
	"github.com/medgift/nifti-to-seg/pkg/labels"
)

// Options controls mask construction
type Options struct {
	// InplaneCropping restricts the mask to the region's in-plane bounding box
	InplaneCropping bool

	// SkipEmpty leaves slices without any voxel of the region out of the frames
	SkipEmpty bool

	// EmptySegmentPolicy decides the fate of a region with no voxel left.
	// One of config.EmptySegmentRetain, EmptySegmentDrop or EmptySegmentFail.
	EmptySegmentPolicy string
}

// Builder builds masks for volumes of one fixed grid size.
// A Builder is safe for concurrent use.
type Builder struct {
	size   models.Size3
	opts   Options
	logger *zap.Logger
}

// NewBuilder creates a builder for volumes of the given size
func NewBuilder(size models.Size3, opts Options, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EmptySegmentPolicy == "" {
		opts.EmptySegmentPolicy = config.EmptySegmentRetain
	}
	return &Builder{size: size, opts: opts, logger: logger}
}

// Build derives the mask of desc from vol. It returns a nil mask and a nil
// error when the region is empty and the policy drops empty segments.
//
// For a fractional volume every voxel with a non-zero probability belongs
// to the segment, desc.ID is ignored and the mask keeps the probabilities.
// Probability maps are never cropped.
func (b *Builder) Build(vol *models.LabeledVolume, desc labels.Descriptor) (*Mask, error) {
	if vol.Size != b.size {
		return nil, errs.New(errs.InternalConsistency, "segment",
			"label %d: volume size %s differs from reconciled grid %s", desc.ID, vol.Size, b.size)
	}
	if len(vol.Labels) != b.size.Voxels() {
		return nil, errs.New(errs.InternalConsistency, "segment",
			"label %d: volume holds %d voxels, grid %s needs %d", desc.ID, len(vol.Labels), b.size, b.size.Voxels())
	}

	member := func(l uint32) bool { return l == desc.ID }
	if vol.Fractional {
		member = func(l uint32) bool { return l != 0 }
	}

	nx, ny, nz := b.size[0], b.size[1], b.size[2]
	m := &Mask{
		Grid:       b.size,
		SliceBoxes: make([]Box, nz),
		Empty:      make([]bool, nz),
	}

	// Per-slice bounding boxes
	var bounds Box
	for z := 0; z < nz; z++ {
		x0, y0, x1, y1 := nx, ny, -1, -1
		plane := vol.Labels[z*nx*ny : (z+1)*nx*ny]
		for y := 0; y < ny; y++ {
			row := plane[y*nx : (y+1)*nx]
			for x, l := range row {
				if !member(l) {
					continue
				}
				x0, x1 = min(x0, x), max(x1, x)
				y0, y1 = min(y0, y), max(y1, y)
			}
		}
		if x1 < 0 {
			m.Empty[z] = true
			continue
		}
		m.SliceBoxes[z] = Box{X: x0, Y: y0, Width: x1 - x0 + 1, Height: y1 - y0 + 1}
		bounds = bounds.Union(m.SliceBoxes[z])
	}

	if bounds.Empty() {
		switch b.opts.EmptySegmentPolicy {
		case config.EmptySegmentFail:
			return nil, errs.New(errs.NoSegmentsProduced, "segment",
				"label %d (%s) holds no voxel on the reconciled grid", desc.ID, desc.Name)
		case config.EmptySegmentDrop:
			b.logger.Warn("Dropping empty segment",
				zap.Uint32("label", desc.ID), zap.String("name", desc.Name))
			return nil, nil
		}
		b.logger.Warn("Keeping empty segment without frames",
			zap.Uint32("label", desc.ID), zap.String("name", desc.Name))
		m.Box = FullBox(b.size)
		m.Data = make([]bool, m.Box.Area()*nz)
		if vol.Fractional {
			m.Values = make([]uint8, len(m.Data))
		}
		return m, nil
	}

	m.Box = FullBox(b.size)
	if b.opts.InplaneCropping && !vol.Fractional {
		m.Box = bounds
	}

	// Mask restricted to the box
	area := m.Box.Area()
	m.Data = make([]bool, area*nz)
	if vol.Fractional {
		m.Values = make([]uint8, area*nz)
	}
	for z := 0; z < nz; z++ {
		if m.Empty[z] {
			continue
		}
		for y := 0; y < m.Box.Height; y++ {
			src := vol.Labels[z*nx*ny+(y+m.Box.Y)*nx+m.Box.X:]
			off := z*area + y*m.Box.Width
			for x := 0; x < m.Box.Width; x++ {
				m.Data[off+x] = member(src[x])
				if m.Values != nil {
					m.Values[off+x] = uint8(src[x])
				}
			}
		}
	}

	for z := 0; z < nz; z++ {
		if b.opts.SkipEmpty && m.Empty[z] {
			continue
		}
		m.Included = append(m.Included, z)
	}

	b.logger.Debug("Built segment mask",
		zap.Uint32("label", desc.ID),
		zap.String("name", desc.Name),
		zap.String("voxels", humanize.Comma(int64(m.VoxelCount()))),
		zap.Stringer("box", m.Box),
		zap.Int("frames", len(m.Included)))
	return m, nil
}
