// Package nifti reads labeled volumes from single-file NIfTI-1 images
// (.nii and gzip-compressed .nii.gz).
//
// NIfTI stores positions in RAS+ space. Volumes returned by this package are
// converted to the LPS+ patient space used by DICOM, so they can be compared
// with the reference series directly.
package nifti

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/medgift/nifti-to-seg/internal/models"
	"github.com/medgift/nifti-to-seg/pkg/errs"
)

const headerSize = 348

// NIfTI-1 datatype codes
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtInt8    = 256
	dtUint16  = 512
	dtUint32  = 768
	dtInt64   = 1024
	dtUint64  = 1280
)

var bytesPerVoxel = map[int16]int{
	dtUint8: 1, dtInt8: 1,
	dtInt16: 2, dtUint16: 2,
	dtInt32: 4, dtUint32: 4, dtFloat32: 4,
	dtInt64: 8, dtUint64: 8, dtFloat64: 8,
}

// header is the on-disk NIfTI-1 header
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// FileSource loads a labeled volume from a NIfTI file
type FileSource struct {
	Path   string
	Logger *zap.Logger
}

// Load reads the volume at s.Path
func (s *FileSource) Load(ctx context.Context) (*models.LabeledVolume, error) {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, errs.Wrap(errs.VolumeRead, "nifti", err, "opening %s", s.Path)
	}
	defer f.Close()

	vol, err := Read(f)
	if err != nil {
		return nil, errs.Wrap(errs.VolumeRead, "nifti", err, "reading %s", s.Path)
	}

	logger.Info("Loaded labeled volume",
		zap.String("path", s.Path),
		zap.Stringer("size", vol.Size),
		zap.Bool("fractional", vol.Fractional),
		zap.String("voxels", humanize.Comma(int64(len(vol.Labels)))))
	return vol, nil
}

// Read decodes a NIfTI-1 stream, transparently decompressing gzip input
func Read(r io.Reader) (*models.LabeledVolume, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(src, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == headerSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a NIfTI-1 file: header size field is %d", binary.LittleEndian.Uint32(raw))
	}

	var hdr header
	if err := binary.Read(bytes.NewReader(raw), order, &hdr); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	if string(hdr.Magic[:3]) != "n+1" {
		return nil, fmt.Errorf("unsupported NIfTI magic %q (only single-file .nii images are supported)", hdr.Magic[:3])
	}

	size, err := volumeSize(&hdr)
	if err != nil {
		return nil, err
	}
	bpv, ok := bytesPerVoxel[hdr.Datatype]
	if !ok {
		return nil, fmt.Errorf("unsupported datatype %d", hdr.Datatype)
	}

	// skip extensions up to the start of the voxel data
	offset := int64(hdr.VoxOffset)
	if offset < headerSize {
		offset = headerSize + 4
	}
	if _, err := io.CopyN(io.Discard, src, offset-headerSize); err != nil {
		return nil, fmt.Errorf("skipping to voxel data: %w", err)
	}

	data := make([]byte, size.Voxels()*bpv)
	if _, err := io.ReadFull(src, data); err != nil {
		return nil, fmt.Errorf("reading %s of voxel data: %w", humanize.Bytes(uint64(len(data))), err)
	}

	labels, fractional, err := decodeLabels(data, &hdr, order)
	if err != nil {
		return nil, err
	}

	vol := &models.LabeledVolume{Size: size, Labels: labels, Fractional: fractional}
	setSpatialFrame(vol, &hdr)
	return vol, nil
}

func volumeSize(hdr *header) (models.Size3, error) {
	n := int(hdr.Dim[0])
	if n < 3 || n > 7 {
		return models.Size3{}, fmt.Errorf("expected a 3D image, got %d dimensions", n)
	}
	for i := 4; i <= n; i++ {
		if hdr.Dim[i] != 1 {
			return models.Size3{}, fmt.Errorf("expected a 3D image, dimension %d has extent %d", i, hdr.Dim[i])
		}
	}
	size := models.Size3{int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])}
	for i, d := range size {
		if d <= 0 {
			return models.Size3{}, fmt.Errorf("invalid extent %d on axis %d", d, i)
		}
	}
	return size, nil
}

// decodeLabels converts raw voxels to label identifiers, applying the
// scl_slope/scl_inter scaling when the header sets one. Integer images hold
// non-negative integral labels. Floating point images are probability maps:
// values must lie in [0, 1] and are quantized to 0..MaxFractionalValue.
func decodeLabels(data []byte, hdr *header, order binary.ByteOrder) (labels []uint32, fractional bool, err error) {
	datatype := hdr.Datatype
	bpv := bytesPerVoxel[datatype]
	n := len(data) / bpv
	labels = make([]uint32, n)
	fractional = datatype == dtFloat32 || datatype == dtFloat64

	slope, inter := float64(hdr.SclSlope), float64(hdr.SclInter)
	scaled := slope != 0 && (slope != 1 || inter != 0)

	for i := 0; i < n; i++ {
		b := data[i*bpv : (i+1)*bpv]
		var v float64
		switch datatype {
		case dtUint8:
			v = float64(b[0])
		case dtInt8:
			v = float64(int8(b[0]))
		case dtInt16:
			v = float64(int16(order.Uint16(b)))
		case dtUint16:
			v = float64(order.Uint16(b))
		case dtInt32:
			v = float64(int32(order.Uint32(b)))
		case dtUint32:
			v = float64(order.Uint32(b))
		case dtInt64:
			v = float64(int64(order.Uint64(b)))
		case dtUint64:
			v = float64(order.Uint64(b))
		case dtFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case dtFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		if scaled {
			v = v*slope + inter
		}

		if fractional {
			if math.IsNaN(v) || v < 0 || v > 1 {
				return nil, false, fmt.Errorf("voxel %d holds %v, probability maps must lie in [0, 1] "+
					"(store label images with an integer datatype)", i, v)
			}
			labels[i] = uint32(math.Round(v * models.MaxFractionalValue))
			continue
		}
		if v < 0 {
			return nil, false, fmt.Errorf("voxel %d holds negative label %v", i, v)
		}
		if v != math.Trunc(v) {
			return nil, false, fmt.Errorf("voxel %d holds non-integer label %v after scaling by %v and %v", i, v, slope, inter)
		}
		if v > math.MaxUint32 {
			return nil, false, fmt.Errorf("voxel %d holds label %v beyond the 32-bit range", i, v)
		}
		labels[i] = uint32(v)
	}
	return labels, fractional, nil
}

// setSpatialFrame fills spacing, origin and direction from the qform, the
// sform or, when neither is set, from pixdim alone
func setSpatialFrame(vol *models.LabeledVolume, hdr *header) {
	for c := 0; c < 3; c++ {
		vol.Spacing[c] = math.Abs(float64(hdr.Pixdim[c+1]))
		if vol.Spacing[c] == 0 {
			vol.Spacing[c] = 1
		}
	}

	var rot [3][3]float64
	var origin models.Vec3

	switch {
	case hdr.QformCode > 0:
		b, c, d := float64(hdr.QuaternB), float64(hdr.QuaternC), float64(hdr.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			a = 0
		} else {
			a = math.Sqrt(a)
		}
		qfac := 1.0
		if hdr.Pixdim[0] < 0 {
			qfac = -1
		}
		rot = [3][3]float64{
			{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c) * qfac},
			{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b) * qfac},
			{2 * (b*d - a*c), 2 * (c*d + a*b), (a*a + d*d - c*c - b*b) * qfac},
		}
		origin = models.Vec3{float64(hdr.QoffsetX), float64(hdr.QoffsetY), float64(hdr.QoffsetZ)}
	case hdr.SformCode > 0:
		rows := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
		for c := 0; c < 3; c++ {
			col := models.Vec3{float64(rows[0][c]), float64(rows[1][c]), float64(rows[2][c])}
			norm := col.Norm()
			if norm == 0 {
				norm = 1
				col[c] = 1
			}
			vol.Spacing[c] = norm
			for r := 0; r < 3; r++ {
				rot[r][c] = col[r] / norm
			}
		}
		origin = models.Vec3{float64(rows[0][3]), float64(rows[1][3]), float64(rows[2][3])}
	default:
		rot = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	}

	// RAS to LPS: negate the first two rows
	for c := 0; c < 3; c++ {
		vol.Direction[c] = -rot[0][c]
		vol.Direction[3+c] = -rot[1][c]
		vol.Direction[6+c] = rot[2][c]
	}
	vol.Origin = models.Vec3{-origin[0], -origin[1], origin[2]}
}
