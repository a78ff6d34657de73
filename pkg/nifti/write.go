package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/medgift/nifti-to-seg/internal/models"
)

// Write encodes vol as a little-endian NIfTI-1 image with uint32 voxels, or
// float32 probabilities for a fractional volume. The spatial frame is stored
// in the sform, converted back to RAS+.
func Write(w io.Writer, vol *models.LabeledVolume) error {
	if err := vol.Validate(); err != nil {
		return err
	}

	hdr := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  dtUint32,
		Bitpix:    32,
		VoxOffset: headerSize + 4,
		SclSlope:  1,
		SformCode: 1,
		XyztUnits: 2, // mm
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	if vol.Fractional {
		hdr.Datatype = dtFloat32
	}
	hdr.Dim = [8]int16{3, int16(vol.Size[0]), int16(vol.Size[1]), int16(vol.Size[2]), 1, 1, 1, 1}
	hdr.Pixdim = [8]float32{1, float32(vol.Spacing[0]), float32(vol.Spacing[1]), float32(vol.Spacing[2]), 1, 1, 1, 1}

	rows := [3]*[4]float32{&hdr.SrowX, &hdr.SrowY, &hdr.SrowZ}
	sign := [3]float64{-1, -1, 1}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(sign[r] * vol.Direction[r*3+c] * vol.Spacing[c])
		}
		rows[r][3] = float32(sign[r] * vol.Origin[r])
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	// empty extension block
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	var voxels any = vol.Labels
	if vol.Fractional {
		probs := make([]float32, len(vol.Labels))
		for i, l := range vol.Labels {
			probs[i] = float32(l) / models.MaxFractionalValue
		}
		voxels = probs
	}
	if err := binary.Write(bw, binary.LittleEndian, voxels); err != nil {
		return fmt.Errorf("writing voxel data: %w", err)
	}
	return bw.Flush()
}

// WriteFile writes vol to path, gzip-compressed when path ends in .gz
func WriteFile(path string, vol *models.LabeledVolume) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}

	if err := Write(w, vol); err != nil {
		f.Close()
		return err
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
