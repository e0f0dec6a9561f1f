package probe

import "time"

// Config holds the probe thresholds of one executor backend.
type Config struct {
	SourceFilename  string
	TargetFilename  string
	SourceMediaType string
	TargetMediaType string
	// Transformer forces the probe onto one transformer when set.
	Transformer string
	Options     map[string]string

	MinSize int64
	MaxSize int64
	// ExpectedUnits is informational (e.g. pages) and only reported.
	ExpectedUnits int

	// NormalTime is the fixed readiness budget. When zero the budget is
	// learned from the first probes and widened by LivenessPercent.
	NormalTime      time.Duration
	LivenessPercent int

	// MaxTransforms and MaxTransformTime request a restart once exceeded.
	MaxTransforms    int64
	MaxTransformTime time.Duration

	LivenessPeriod    time.Duration
	LivenessTransform bool

	ProbeEvery    int64
	ProbeInterval time.Duration
}

// SizeRange converts an expected length and absolute tolerance into the
// inclusive [min, max] output size bounds.
func SizeRange(expected, plusOrMinus int64) (int64, int64) {
	lo := expected - plusOrMinus
	if lo < 0 {
		lo = 0
	}
	return lo, expected + plusOrMinus
}
