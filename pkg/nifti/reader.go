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

// Read loads a NIfTI-1 image from disk. Files ending in .gz are
// decompressed on the fly. Header/image pairs (.hdr/.img) are supported.
func Read(path string) (*models.Image, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	hdr, order, err := ReadHeader(rc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	data := io.Reader(rc)
	offset := int64(hdr.VoxOffset)
	if string(hdr.Magic[:3]) == "ni1" {
		imgPath := pairedImagePath(path)
		imgFile, err := openMaybeGzip(imgPath)
		if err != nil {
			return nil, fmt.Errorf("error opening image data for %s: %w", path, err)
		}
		defer imgFile.Close()
		data = imgFile
	} else {
		// The header has already been consumed from the stream
		offset -= HeaderSize
	}
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, data, offset); err != nil {
			return nil, fmt.Errorf("%s: error seeking to voxel data: %w", path, err)
		}
	}

	img, err := decode(hdr, order, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	img.Filename = path
	return img, nil
}

// decode reads the voxel payload described by hdr
func decode(hdr *Header, order binary.ByteOrder, r io.Reader) (*models.Image, error) {
	bpv, err := hdr.BytesPerVoxel()
	if err != nil {
		return nil, err
	}

	dims := hdr.Dims()
	n := dims[0] * dims[1] * dims[2] * dims[3]
	if n <= 0 {
		return nil, fmt.Errorf("invalid image dimensions %v", dims)
	}

	raw := make([]byte, n*bpv)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("error reading voxel data: %w", err)
	}

	slope, inter := hdr.scaling()
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		b := raw[i*bpv : (i+1)*bpv]
		var v float64
		switch hdr.Datatype {
		case DTUint8:
			v = float64(b[0])
		case DTInt8:
			v = float64(int8(b[0]))
		case DTInt16:
			v = float64(int16(order.Uint16(b)))
		case DTUint16:
			v = float64(order.Uint16(b))
		case DTInt32:
			v = float64(int32(order.Uint32(b)))
		case DTUint32:
			v = float64(order.Uint32(b))
		case DTInt64:
			v = float64(int64(order.Uint64(b)))
		case DTUint64:
			v = float64(order.Uint64(b))
		case DTFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		values[i] = v*slope + inter
	}

	img := &models.Image{
		Data:   values,
		Dims:   dims,
		Affine: hdr.Affine(),
	}
	for i := 0; i < 4; i++ {
		img.PixDim[i] = float64(hdr.Pixdim[i+1])
	}
	return img, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (rc *readCloser) Close() error {
	var first error
	for i := len(rc.closers) - 1; i >= 0; i-- {
		if err := rc.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openMaybeGzip opens path and wraps it in a gzip reader when the name
// ends in .gz
func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return &readCloser{Reader: bufio.NewReader(f), closers: []io.Closer{f}}, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error opening gzip stream %s: %w", path, err)
	}
	return &readCloser{Reader: zr, closers: []io.Closer{f, zr}}, nil
}

// pairedImagePath maps foo.hdr(.gz) to foo.img(.gz)
func pairedImagePath(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".hdr.gz"):
		return path[:len(path)-len(".hdr.gz")] + ".img.gz"
	case strings.HasSuffix(lower, ".hdr"):
		return path[:len(path)-len(".hdr")] + ".img"
	}
	return path
}

// TrimExt strips a .nii, .nii.gz, .hdr or .img extension from the base name
// of path
func TrimExt(path string) string {
	base := filepath.Base(path)
	lower := strings.ToLower(base)
	for _, ext := range []string{".nii.gz", ".hdr.gz", ".img.gz", ".nii", ".hdr", ".img", ".gz"} {
		if strings.HasSuffix(lower, ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return base
}
