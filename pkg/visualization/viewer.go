// Package visualization renders assembled segmentations as color overlays,
// one image per reference slice, for visual quality checks.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"github.com/medgift/nifti-to-seg/pkg/assembly"
	"github.com/medgift/nifti-to-seg/pkg/segment"
)

// Viewer renders the segments of one conversion result
type Viewer struct {
	records []segment.Record

	// dimensions of the reference grid
	width  int
	height int
	depth  int
}

// NewViewer creates a viewer over res
func NewViewer(res *assembly.Result) *Viewer {
	size := res.Reference.Size()
	return &Viewer{
		records: res.Records,
		width:   size[0],
		height:  size[1],
		depth:   size[2],
	}
}

// ExtractRegion returns the segment number owning each voxel of a
// subregion, 0 where no segment is set. Voxels are ordered z*X*Y + y*X + x.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) ([]int, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	if startX+sizeX > v.width || startY+sizeY > v.height || startZ+sizeZ > v.depth {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := make([]int, sizeX*sizeY*sizeZ)
	for _, r := range v.records {
		m := r.Mask
		for z := 0; z < sizeZ; z++ {
			for y := 0; y < sizeY; y++ {
				for x := 0; x < sizeX; x++ {
					if m.At(startX+x, startY+y, startZ+z) {
						region[z*sizeX*sizeY+y*sizeX+x] = r.Number
					}
				}
			}
		}
	}
	return region, nil
}

// ExtractSlice renders slice z with each segment in its display color on a
// transparent background. Only frames the segmentation carries are drawn.
func (v *Viewer) ExtractSlice(z int) (*image.NRGBA, error) {
	if z < 0 || z >= v.depth {
		return nil, fmt.Errorf("slice %d outside [0, %d)", z, v.depth)
	}
	owners, err := v.ExtractRegion(0, 0, z, v.width, v.height, 1)
	if err != nil {
		return nil, err
	}

	colors := make(map[int]color.NRGBA, len(v.records))
	for _, r := range v.records {
		if !included(r.Mask, z) {
			continue
		}
		c := r.Descriptor.Color
		colors[r.Number] = color.NRGBA{R: c[0], G: c[1], B: c[2], A: 255}
	}

	img := image.NewNRGBA(image.Rect(0, 0, v.width, v.height))
	for y := 0; y < v.height; y++ {
		for x := 0; x < v.width; x++ {
			if c, ok := colors[owners[y*v.width+x]]; ok {
				img.SetNRGBA(x, y, c)
			}
		}
	}
	return img, nil
}

func included(m *segment.Mask, z int) bool {
	for _, i := range m.Included {
		if i == z {
			return true
		}
	}
	return false
}

// SaveSlice saves an image as PNG, upscaled by an integer factor with
// nearest-neighbor sampling so segment borders stay crisp
func (v *Viewer) SaveSlice(img image.Image, filename string, scale int) error {
	if scale > 1 {
		b := img.Bounds()
		dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()*scale, b.Dy()*scale))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence renders every slice that holds at least one frame into
// outputDir and returns the number of images written
func (v *Viewer) SaveSliceSequence(outputDir string, scale int) (int, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	written := 0
	for z := 0; z < v.depth; z++ {
		framed := false
		for _, r := range v.records {
			if included(r.Mask, z) {
				framed = true
				break
			}
		}
		if !framed {
			continue
		}

		img, err := v.ExtractSlice(z)
		if err != nil {
			return written, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%03d.png", z))
		if err := v.SaveSlice(img, filename, scale); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}
