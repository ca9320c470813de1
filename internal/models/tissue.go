package models

import "fmt"

// Tissue identifies one of the three anatomical compartments
type Tissue int

const (
	GrayMatter Tissue = iota
	WhiteMatter
	CSF
)

// Tissues lists the compartments in output order
var Tissues = []Tissue{GrayMatter, WhiteMatter, CSF}

// Prefix returns the short name used for output columns
func (t Tissue) Prefix() string {
	switch t {
	case GrayMatter:
		return "gm"
	case WhiteMatter:
		return "wm"
	case CSF:
		return "csf"
	}
	return fmt.Sprintf("tissue%d", int(t))
}

// DefaultMaskFile returns the conventional mask filename for the compartment
func (t Tissue) DefaultMaskFile() string {
	return t.Prefix() + ".nii.gz"
}

func (t Tissue) String() string {
	switch t {
	case GrayMatter:
		return "gray matter"
	case WhiteMatter:
		return "white matter"
	case CSF:
		return "cerebrospinal fluid"
	}
	return t.Prefix()
}

// ParseTissue maps a column prefix back to its compartment
func ParseTissue(prefix string) (Tissue, error) {
	for _, t := range Tissues {
		if t.Prefix() == prefix {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tissue %q", prefix)
}
