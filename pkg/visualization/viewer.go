package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tissuecomp/internal/models"
	"tissuecomp/pkg/masking"
	"tissuecomp/pkg/nifti"
)

// Axes lists the slicing axes in preview order
var Axes = []string{"x", "y", "z"}

// Overlay colours per compartment
var tissueColors = map[models.Tissue]color.RGBA{
	models.GrayMatter:  {R: 255, G: 64, B: 64, A: 255},
	models.WhiteMatter: {R: 64, G: 160, B: 255, A: 255},
	models.CSF:         {R: 64, G: 220, B: 64, A: 255},
}

// Viewer renders 2-D slices of a single volume for quality control of the
// tissue masks
type Viewer struct {
	// volumeData holds the 3-D volume, x varying fastest
	volumeData []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// display window: values at or below low are black, at or above high white
	low, high float64
}

// NewViewer creates a viewer over the t-th volume of img. The display
// window spans the 2nd to 98th percentile of the finite voxel values.
func NewViewer(img *models.Image, t int) (*Viewer, error) {
	if t < 0 || t >= img.NumObservations() {
		return nil, fmt.Errorf("volume %d out of range [0, %d)", t, img.NumObservations())
	}
	v := &Viewer{
		volumeData: img.Volume(t),
		width:      img.Dims[0],
		height:     img.Dims[1],
		depth:      img.Dims[2],
	}
	v.low, v.high = window(v.volumeData)
	return v, nil
}

// window returns robust display bounds for data
func window(data []float64) (low, high float64) {
	finite := make([]float64, 0, len(data))
	for _, x := range data {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			finite = append(finite, x)
		}
	}
	if len(finite) == 0 {
		return 0, 1
	}
	sort.Float64s(finite)
	low = stat.Quantile(0.02, stat.Empirical, finite, nil)
	high = stat.Quantile(0.98, stat.Empirical, finite, nil)
	if high <= low {
		high = low + 1
	}
	return low, high
}

// planeSize returns the width and height of a slice along axis and the
// axis length
func (v *Viewer) planeSize(axis string) (w, h, n int, err error) {
	switch axis {
	case "x", "X":
		return v.height, v.depth, v.width, nil
	case "y", "Y":
		return v.width, v.depth, v.height, nil
	case "z", "Z":
		return v.width, v.height, v.depth, nil
	}
	return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// voxel maps a pixel of a slice back to the volume index. Rows are flipped
// so the superior or anterior direction is up.
func (v *Viewer) voxel(axis string, position, px, py, h int) int {
	row := h - 1 - py
	switch axis {
	case "x", "X":
		return position + v.width*(px+v.height*row)
	case "y", "Y":
		return px + v.width*(position+v.height*row)
	default:
		return px + v.width*(row+v.height*position)
	}
}

// ExtractSlice extracts a 2-D grayscale slice perpendicular to axis
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	w, h, n, err := v.planeSize(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, n, axis)
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	scale := v.high - v.low
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			val := v.volumeData[v.voxel(axis, position, px, py, h)]
			if math.IsNaN(val) {
				continue
			}
			norm := math.Max(0, math.Min(1, (val-v.low)/scale))
			img.SetGray16(px, py, color.Gray16{Y: uint16(norm * 65535)})
		}
	}
	return img, nil
}

// Overlay blends the mask over a grayscale slice with the given opacity
func (v *Viewer) Overlay(axis string, position int, mask *masking.Mask, c color.RGBA, alpha float64) (*image.RGBA, error) {
	if mask.Image.Dims[0] != v.width || mask.Image.Dims[1] != v.height || mask.Image.Dims[2] != v.depth {
		return nil, fmt.Errorf("mask grid %s does not match the volume", mask.Image)
	}
	base, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}

	bounds := base.Bounds()
	h := bounds.Dy()
	out := image.NewRGBA(bounds)
	for py := 0; py < h; py++ {
		for px := 0; px < bounds.Dx(); px++ {
			g := float64(base.Gray16At(px, py).Y>>8)
			pix := color.RGBA{R: uint8(g), G: uint8(g), B: uint8(g), A: 255}
			if mask.Image.Data[v.voxel(axis, position, px, py, h)] != 0 {
				pix.R = blend(g, c.R, alpha)
				pix.G = blend(g, c.G, alpha)
				pix.B = blend(g, c.B, alpha)
			}
			out.SetRGBA(px, py, pix)
		}
	}
	return out, nil
}

func blend(base float64, over uint8, alpha float64) uint8 {
	return uint8(math.Round((1-alpha)*base + alpha*float64(over)))
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		return err
	}
	return file.Close()
}

// PreviewPath is where the overlay of a tissue along axis is saved
func PreviewPath(dir, source string, tissue models.Tissue, axis string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_%s.jpg", nifti.TrimExt(source), tissue.Prefix(), axis))
}

// SavePreviews writes the middle slice along each axis with the mask
// overlaid and returns the file paths
func (v *Viewer) SavePreviews(dir, source string, tissue models.Tissue, mask *masking.Mask) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	c, ok := tissueColors[tissue]
	if !ok {
		c = color.RGBA{R: 255, G: 255, A: 255}
	}

	var paths []string
	for _, axis := range Axes {
		_, _, n, err := v.planeSize(axis)
		if err != nil {
			return nil, err
		}
		img, err := v.Overlay(axis, n/2, mask, c, 0.5)
		if err != nil {
			return nil, err
		}
		path := PreviewPath(dir, source, tissue, axis)
		if err := v.SaveSlice(img, path); err != nil {
			return nil, fmt.Errorf("failed to save preview %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
