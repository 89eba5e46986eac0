package model

import "github.com/pkg/errors"

// ErrUnknownArchitecture is returned when an architecture tag is not one of
// the known family members.
var ErrUnknownArchitecture = errors.New("unknown model architecture")

// Architecture tags one member of the model family. All members share the
// same contract: pose vector in, flat displacement field out.
type Architecture string

const (
	// Standard is the full-capacity feed-forward network predicting all
	// per-vertex displacements directly.
	Standard Architecture = "standard"

	// Compact predicts a small number of coefficients over a fixed
	// reduced-rank reconstruction basis. Cheapest to evaluate, best when
	// corrective shapes are highly correlated.
	Compact Architecture = "compact"

	// Residual uses skip-connected blocks of constant width. Deepest member,
	// for rigs where correctives vary sharply with pose.
	Residual Architecture = "residual"
)

// Architectures lists the known family members.
var Architectures = []Architecture{Standard, Compact, Residual}

// ParseArchitecture validates an architecture tag, e.g. from a CLI flag or a
// serialized artifact.
func ParseArchitecture(tag string) (Architecture, error) {
	arch := Architecture(tag)
	for _, known := range Architectures {
		if arch == known {
			return arch, nil
		}
	}
	return "", errors.WithMessagef(ErrUnknownArchitecture, "%q, valid values are %v", tag, Architectures)
}
