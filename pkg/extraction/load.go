package extraction

import (
	"context"
	"fmt"

	"tissuecomp/internal/models"
	"tissuecomp/pkg/nifti"
)

// loadStack reads each path and concatenates the images along the
// observation axis. All images must share one voxel grid.
func loadStack(ctx context.Context, paths []string) (*models.Image, error) {
	var out *models.Image
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := nifti.Read(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load data: %w", err)
		}
		if out == nil {
			out = img
			continue
		}
		if !out.SameGrid(img, 1e-3) {
			return nil, fmt.Errorf("%s: grid %s does not match %s", p, img, out)
		}
		out.Data = append(out.Data, img.Data...)
		out.Dims[3] += img.NumObservations()
	}
	out.Filename = paths[0]
	return out, nil
}
