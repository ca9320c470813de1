package extraction

import (
	"fmt"
	"math"
	"path/filepath"

	"go.uber.org/zap"

	"tissuecomp/internal/models"
	"tissuecomp/pkg/decomposition"
	"tissuecomp/pkg/masking"
	"tissuecomp/pkg/nifti"
	"tissuecomp/pkg/visualization"
)

// MaskPath is where the conformed mask of a tissue is saved for a dataset
func MaskPath(outputDir, source string, tissue models.Tissue) string {
	return filepath.Join(outputDir, fmt.Sprintf("%s_%s_mask.nii.gz", nifti.TrimExt(source), tissue.Prefix()))
}

// ComponentMapPath is where the c-th (1-based) loading map of a tissue is saved
func ComponentMapPath(outputDir, source string, tissue models.Tissue, c int) string {
	return filepath.Join(outputDir, fmt.Sprintf("%s_%s_pc%d.nii.gz", nifti.TrimExt(source), tissue.Prefix(), c))
}

func (e *Extractor) source(img *models.Image) string {
	if img.Filename == "" {
		return "image"
	}
	return img.Filename
}

// saveMask writes the binarized mask exactly as it was applied to img
func (e *Extractor) saveMask(img *models.Image, tissue models.Tissue, mask *masking.Mask) error {
	path := MaskPath(e.params.OutputDir, e.source(img), tissue)
	if err := nifti.Write(path, mask.Image); err != nil {
		return fmt.Errorf("failed to save mask: %w", err)
	}
	e.logger.Debug("saved mask", zap.Stringer("tissue", tissue), zap.String("path", path))
	return nil
}

// saveComponentMaps writes the voxel loadings of each component. Voxels
// excluded from the decomposition are NaN; voxels outside the mask are 0.
func (e *Extractor) saveComponentMaps(img *models.Image, tissue models.Tissue, mask *masking.Mask, pcs *decomposition.Components) error {
	values := make([]float64, mask.Count())
	for c := 0; c < pcs.NumComponents(); c++ {
		for i := range values {
			values[i] = math.NaN()
		}
		for row, col := range pcs.Kept {
			values[col] = pcs.Loadings.At(row, c)
		}

		out, err := masking.Unmask(values, mask, 0)
		if err != nil {
			return err
		}
		path := ComponentMapPath(e.params.OutputDir, e.source(img), tissue, c+1)
		if err := nifti.Write(path, out); err != nil {
			return fmt.Errorf("failed to save component map: %w", err)
		}
	}
	e.logger.Debug("saved component maps",
		zap.Stringer("tissue", tissue),
		zap.Int("components", pcs.NumComponents()))
	return nil
}

// savePreviews renders the mask over the middle slices of the first volume
func (e *Extractor) savePreviews(img *models.Image, tissue models.Tissue, mask *masking.Mask) error {
	viewer, err := visualization.NewViewer(img, 0)
	if err != nil {
		return err
	}
	paths, err := viewer.SavePreviews(e.params.OutputDir, e.source(img), tissue, mask)
	if err != nil {
		return err
	}
	e.logger.Debug("saved previews", zap.Stringer("tissue", tissue), zap.Strings("paths", paths))
	return nil
}
