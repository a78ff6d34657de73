// Package encoder serializes a conversion result. The DescriptionWriter
// writes the segmentation as dcmqi meta information plus per-frame pixel
// data and references, as JSON.
package encoder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/assembly"
	"github.com/medgift/nifti-to-seg/pkg/config"
	"github.com/medgift/nifti-to-seg/pkg/errs"
	"github.com/medgift/nifti-to-seg/pkg/segment"
)

// SegmentationStorageClass is the SOP class UID of a Segmentation object
const SegmentationStorageClass = "1.2.840.10008.5.1.4.1.1.66.4"

// MaxFractionalValue is the value of probability 1 in a FRACTIONAL frame,
// and the value a set pixel of a binary mask takes there
const MaxFractionalValue = models.MaxFractionalValue

// Options controls encoding
type Options struct {
	// Type is config.SegmentationBinary or config.SegmentationFractional
	Type string

	// SkipEmptySlices additionally leaves out included slices that hold no
	// voxel of their segment
	SkipEmptySlices bool
}

// Encoder writes one conversion result to path
type Encoder interface {
	Encode(ctx context.Context, res *assembly.Result, opts Options, path string) error
}

// Frame is one (segment, slice) plane of the segmentation
type Frame struct {
	SegmentNumber            int         `json:"segmentNumber"`
	SliceIndex               int         `json:"sliceIndex"`
	ReferencedSOPClassUID    string      `json:"referencedSOPClassUID,omitempty"`
	ReferencedSOPInstanceUID string      `json:"referencedSOPInstanceUID"`
	ImagePositionPatient     models.Vec3 `json:"imagePositionPatient"`
	Box                      segment.Box `json:"box"`

	// PixelData is bit-packed LSB first for BINARY, one byte per pixel for
	// FRACTIONAL
	PixelData []byte `json:"pixelData"`
}

// Document is the serialized segmentation
type Document struct {
	SOPClassUID                 string            `json:"SOPClassUID"`
	SOPInstanceUID              string            `json:"SOPInstanceUID"`
	SeriesInstanceUID           string            `json:"SeriesInstanceUID"`
	StudyInstanceUID            string            `json:"StudyInstanceUID,omitempty"`
	FrameOfReferenceUID         string            `json:"FrameOfReferenceUID,omitempty"`
	ReferencedSeriesInstanceUID string            `json:"ReferencedSeriesInstanceUID,omitempty"`
	SegmentationType            string            `json:"SegmentationType"`
	MaximumFractionalValue      int               `json:"MaximumFractionalValue,omitempty"`
	Rows                        int               `json:"Rows"`
	Columns                     int               `json:"Columns"`
	PixelSpacing                [2]float64        `json:"PixelSpacing"`
	ImageOrientationPatient     [6]float64        `json:"ImageOrientationPatient"`
	SpacingBetweenSlices        float64           `json:"SpacingBetweenSlices"`
	MetaInfo                    assembly.MetaInfo `json:"metaInfo"`
	Frames                      []Frame           `json:"frames"`
}

// NewUID returns a UID under the 2.25 root derived from a random UUID
func NewUID() string {
	u := uuid.New()
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

// DescriptionWriter encodes results as a JSON document.
// A path ending in ".gz" is gzip-compressed.
type DescriptionWriter struct {
	// UID generates series and instance UIDs, NewUID when nil
	UID func() string

	Logger *zap.Logger
}

var _ Encoder = (*DescriptionWriter)(nil)

// Encode writes res to path. Nothing is left at path on failure.
func (w *DescriptionWriter) Encode(ctx context.Context, res *assembly.Result, opts Options, path string) error {
	doc, err := w.Document(res, opts)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Encoding, "encode", err, "writing %s", path)
	}

	n, err := writeAtomic(path, func(out io.Writer) error {
		if strings.HasSuffix(path, ".gz") {
			zw := gzip.NewWriter(out)
			if err := json.NewEncoder(zw).Encode(doc); err != nil {
				return err
			}
			return zw.Close()
		}
		return json.NewEncoder(out).Encode(doc)
	})
	if err != nil {
		return errs.Wrap(errs.Encoding, "encode", err, "writing %s", path)
	}

	w.logger().Info("Wrote segmentation",
		zap.String("path", path),
		zap.Int("frames", len(doc.Frames)),
		zap.String("size", humanize.Bytes(uint64(n))))
	return nil
}

// Document builds the serializable form of res
func (w *DescriptionWriter) Document(res *assembly.Result, opts Options) (*Document, error) {
	if opts.Type == "" {
		opts.Type = config.SegmentationBinary
	}
	if opts.Type != config.SegmentationBinary && opts.Type != config.SegmentationFractional {
		return nil, errs.New(errs.Encoding, "encode", "unknown segmentation type %q", opts.Type)
	}

	uid := w.UID
	if uid == nil {
		uid = NewUID
	}

	ref := res.Reference
	doc := &Document{
		SOPClassUID:                 SegmentationStorageClass,
		SeriesInstanceUID:           uid(),
		SOPInstanceUID:              uid(),
		StudyInstanceUID:            ref.StudyInstanceUID,
		FrameOfReferenceUID:         ref.FrameOfReferenceUID,
		ReferencedSeriesInstanceUID: ref.SeriesInstanceUID,
		SegmentationType:            opts.Type,
		Rows:                        ref.Rows,
		Columns:                     ref.Columns,
		PixelSpacing:                ref.PixelSpacing,
		ImageOrientationPatient:     ref.Orientation,
		SpacingBetweenSlices:        ref.SliceSpacing(),
		MetaInfo:                    res.Meta,
	}
	if opts.Type == config.SegmentationFractional {
		doc.MaximumFractionalValue = MaxFractionalValue
	}

	for _, r := range res.Records {
		for _, z := range r.Mask.Included {
			if opts.SkipEmptySlices && r.Mask.Empty[z] {
				continue
			}
			f, err := frame(r, z, ref, opts.Type)
			if err != nil {
				return nil, err
			}
			doc.Frames = append(doc.Frames, f)
		}
	}
	return doc, nil
}

func frame(r segment.Record, z int, ref *models.ReferenceGeometry, typ string) (Frame, error) {
	if z < 0 || z >= len(ref.Slices) {
		return Frame{}, errs.New(errs.Encoding, "encode",
			"segment %d references slice %d, series has %d", r.Number, z, len(ref.Slices))
	}
	m := r.Mask
	if len(m.Data) != m.Box.Area()*m.Grid[2] {
		return Frame{}, errs.New(errs.Encoding, "encode",
			"segment %d holds %d pixels, frame box %s needs %d per slice", r.Number, len(m.Data), m.Box, m.Box.Area())
	}
	if m.Values != nil && len(m.Values) != len(m.Data) {
		return Frame{}, errs.New(errs.Encoding, "encode",
			"segment %d holds %d probabilities for %d pixels", r.Number, len(m.Values), len(m.Data))
	}

	slice := ref.Slices[z]
	// shift the slice origin to the first pixel of the box
	pos := slice.Position.
		Add(ref.RowCosines().Scale(float64(m.Box.X) * ref.PixelSpacing[1])).
		Add(ref.ColumnCosines().Scale(float64(m.Box.Y) * ref.PixelSpacing[0]))

	pixels := m.Frame(z)
	var data []byte
	switch {
	case typ == config.SegmentationFractional && m.Values != nil:
		data = append([]byte(nil), m.FrameValues(z)...)
	case typ == config.SegmentationFractional:
		data = make([]byte, len(pixels))
		for i, v := range pixels {
			if v {
				data[i] = MaxFractionalValue
			}
		}
	case m.Values != nil:
		return Frame{}, errs.New(errs.Encoding, "encode",
			"segment %d is a probability map and needs a %s segmentation", r.Number, config.SegmentationFractional)
	default:
		data = PackBits(pixels)
	}

	return Frame{
		SegmentNumber:            r.Number,
		SliceIndex:               z,
		ReferencedSOPClassUID:    slice.SOPClassUID,
		ReferencedSOPInstanceUID: slice.SOPInstanceUID,
		ImagePositionPatient:     pos,
		Box:                      m.Box,
		PixelData:                data,
	}, nil
}

// PackBits packs pixels eight to a byte, least significant bit first
func PackBits(pixels []bool) []byte {
	out := make([]byte, (len(pixels)+7)/8)
	for i, v := range pixels {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// UnpackBits reverses PackBits for n pixels
func UnpackBits(data []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return out
}

// ReadDocument loads a document written by DescriptionWriter
func ReadDocument(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &doc, nil
}

// writeAtomic writes through a temporary file next to path and renames it
// into place. It returns the number of bytes written.
func writeAtomic(path string, write func(io.Writer) error) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	cw := &countingWriter{w: tmp}
	if err := write(cw); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (w *DescriptionWriter) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}
