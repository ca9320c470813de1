// Package nifti reads and writes NIfTI-1 images, the file format used for
// template-aligned MRI data and tissue probability maps.
package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the fixed size of a NIfTI-1 header in bytes
const HeaderSize = 348

// Datatype codes defined by the NIfTI-1 standard
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

var (
	// ErrNotNifti is returned when the header size field or magic is wrong
	ErrNotNifti = errors.New("not a NIfTI-1 file")

	// ErrUnsupportedDatatype is returned for datatypes the reader cannot decode
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// Header is the on-disk NIfTI-1 header. Field order and sizes match the
// standard so the struct can be read and written with encoding/binary.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
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
	XYZTUnits     byte
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

// ReadHeader parses a NIfTI-1 header and detects its byte order
func ReadHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("error reading header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(buf[:4]) == HeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(buf[:4]) == HeaderSize:
		order = binary.BigEndian
	default:
		return nil, nil, ErrNotNifti
	}

	hdr := &Header{}
	if err := binary.Read(bytes.NewReader(buf), order, hdr); err != nil {
		return nil, nil, fmt.Errorf("error decoding header: %w", err)
	}

	magic := string(hdr.Magic[:3])
	if magic != "n+1" && magic != "ni1" {
		return nil, nil, fmt.Errorf("%w: bad magic %q", ErrNotNifti, magic)
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		return nil, nil, fmt.Errorf("%w: invalid dimension count %d", ErrNotNifti, hdr.Dim[0])
	}
	for i := 1; i <= int(hdr.Dim[0]); i++ {
		if hdr.Dim[i] < 1 {
			return nil, nil, fmt.Errorf("%w: dimension %d has size %d", ErrNotNifti, i, hdr.Dim[i])
		}
	}

	return hdr, order, nil
}

// Dims returns x, y, z and the product of all higher dimensions
func (h *Header) Dims() [4]int {
	dims := [4]int{1, 1, 1, 1}
	n := int(h.Dim[0])
	for i := 1; i <= n && i <= 3; i++ {
		dims[i-1] = int(h.Dim[i])
	}
	for i := 4; i <= n; i++ {
		if h.Dim[i] > 0 {
			dims[3] *= int(h.Dim[i])
		}
	}
	return dims
}

// BytesPerVoxel returns the storage size of one value
func (h *Header) BytesPerVoxel() (int, error) {
	switch h.Datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTInt64, DTUint64, DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, h.Datatype)
}

// Affine returns the voxel-to-world transform, preferring the sform, then
// the qform, then a plain pixdim scaling
func (h *Header) Affine() [4][4]float64 {
	var a [4][4]float64
	a[3][3] = 1

	if h.SformCode > 0 {
		for c := 0; c < 4; c++ {
			a[0][c] = float64(h.SrowX[c])
			a[1][c] = float64(h.SrowY[c])
			a[2][c] = float64(h.SrowZ[c])
		}
		return a
	}

	if h.QformCode > 0 {
		return h.qformAffine()
	}

	for i := 0; i < 3; i++ {
		a[i][i] = float64(h.Pixdim[i+1])
		if a[i][i] == 0 {
			a[i][i] = 1
		}
	}
	return a
}

// qformAffine builds the affine from the quaternion representation
func (h *Header) qformAffine() [4][4]float64 {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	aa := 1 - (b*b + c*c + d*d)
	var a float64
	if aa < 1e-7 {
		// Rounding left the quaternion non-unit; renormalize with a = 0
		norm := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/norm, c/norm, d/norm
	} else {
		a = math.Sqrt(aa)
	}

	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}

	rot := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - b*b - c*c},
	}
	scale := [3]float64{
		float64(h.Pixdim[1]),
		float64(h.Pixdim[2]),
		qfac * float64(h.Pixdim[3]),
	}

	var out [4][4]float64
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			out[r][col] = rot[r][col] * scale[col]
		}
	}
	out[0][3] = float64(h.QoffsetX)
	out[1][3] = float64(h.QoffsetY)
	out[2][3] = float64(h.QoffsetZ)
	out[3][3] = 1
	return out
}

// scaling returns the slope and intercept to apply to stored values
func (h *Header) scaling() (slope, inter float64) {
	slope = float64(h.SclSlope)
	inter = float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 1, 0
	}
	if math.IsNaN(inter) || math.IsInf(inter, 0) {
		inter = 0
	}
	return slope, inter
}
