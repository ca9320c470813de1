package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"tissuecomp/internal/models"
)

// voxOffset is where voxel data starts in a single-file image: the header
// plus the four-byte extension flag
const voxOffset = HeaderSize + 4

// NewHeader builds a float32 single-file header describing img
func NewHeader(img *models.Image) *Header {
	hdr := &Header{
		SizeofHdr: HeaderSize,
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: voxOffset,
		SclSlope:  1,
		SformCode: 2, // aligned to a template
		QformCode: 0,
		XYZTUnits: 2 | 8, // mm and seconds
	}
	copy(hdr.Magic[:], "n+1\x00")
	copy(hdr.Descrip[:], "tissuecomp")

	ndim := int16(3)
	if img.NumObservations() > 1 {
		ndim = 4
	}
	hdr.Dim[0] = ndim
	for i := 0; i < 4; i++ {
		hdr.Dim[i+1] = int16(img.Dims[i])
		hdr.Pixdim[i+1] = float32(img.PixDim[i])
	}
	if hdr.Dim[4] < 1 {
		hdr.Dim[4] = 1
	}
	for i := 5; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	hdr.Pixdim[0] = 1

	for c := 0; c < 4; c++ {
		hdr.SrowX[c] = float32(img.Affine[0][c])
		hdr.SrowY[c] = float32(img.Affine[1][c])
		hdr.SrowZ[c] = float32(img.Affine[2][c])
	}
	return hdr
}

// Write saves img as a little-endian float32 NIfTI-1 file, gzip-compressed
// when path ends in .gz
func Write(path string, img *models.Image) error {
	if len(img.Data) != img.NumVoxels()*img.NumObservations() {
		return fmt.Errorf("image data length %d does not match dimensions %v", len(img.Data), img.Dims)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var zw *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		zw = gzip.NewWriter(bw)
		w = zw
	}

	if err := encode(w, img); err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			return fmt.Errorf("error finishing gzip stream: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error flushing %s: %w", path, err)
	}
	return f.Close()
}

func encode(w io.Writer, img *models.Image) error {
	if err := binary.Write(w, binary.LittleEndian, NewHeader(img)); err != nil {
		return err
	}
	// Extension flag: no extensions follow
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, 4*len(img.Data))
	for i, v := range img.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
	}
	_, err := w.Write(buf)
	return err
}
