package fingerprint

// Field weights in basis points. They sum to 10000 so a full match scores
// exactly 1.0.
const (
	weightScreenResolution    = 1000
	weightColorDepth          = 500
	weightTimezone            = 1500
	weightLanguage            = 1000
	weightPlatform            = 1500
	weightHardwareConcurrency = 1000
	weightWebGLVendor         = 1500
	weightWebGLRenderer       = 1500
	weightCanvasFingerprint   = 500

	weightTotal = 10000
)

// Weights returns the per-field weights as fractions of 1.
func Weights() map[string]float64 {
	return map[string]float64{
		"screenResolution":    float64(weightScreenResolution) / weightTotal,
		"colorDepth":          float64(weightColorDepth) / weightTotal,
		"timezone":            float64(weightTimezone) / weightTotal,
		"language":            float64(weightLanguage) / weightTotal,
		"platform":            float64(weightPlatform) / weightTotal,
		"hardwareConcurrency": float64(weightHardwareConcurrency) / weightTotal,
		"webglVendor":         float64(weightWebGLVendor) / weightTotal,
		"webglRenderer":       float64(weightWebGLRenderer) / weightTotal,
		"canvasFingerprint":   float64(weightCanvasFingerprint) / weightTotal,
	}
}

// Comparator scores how closely two Characteristics match. Each weighted
// field contributes its full weight on exact equality and nothing
// otherwise.
type Comparator struct {
	// MatchUnavailable counts two unavailable optional probes as equal.
	// Off by default: a missing probe is not evidence of the same device.
	MatchUnavailable bool
}

// Compare scores a against b with the default Comparator.
func Compare(a, b *Characteristics) float64 {
	return Comparator{}.Compare(a, b)
}

// Compare returns a score in [0,1]. Either side being nil scores 0.
func (c Comparator) Compare(a, b *Characteristics) float64 {
	if a == nil || b == nil {
		return 0
	}
	points := 0
	if a.ScreenResolution == b.ScreenResolution {
		points += weightScreenResolution
	}
	if a.ColorDepth == b.ColorDepth {
		points += weightColorDepth
	}
	if a.Timezone == b.Timezone {
		points += weightTimezone
	}
	if a.Language == b.Language {
		points += weightLanguage
	}
	if a.Platform == b.Platform {
		points += weightPlatform
	}
	if a.HardwareConcurrency == b.HardwareConcurrency {
		points += weightHardwareConcurrency
	}
	if c.optionalMatch(a.WebGLVendor, b.WebGLVendor) {
		points += weightWebGLVendor
	}
	if c.optionalMatch(a.WebGLRenderer, b.WebGLRenderer) {
		points += weightWebGLRenderer
	}
	if c.optionalMatch(a.CanvasFingerprint, b.CanvasFingerprint) {
		points += weightCanvasFingerprint
	}
	return float64(points) / weightTotal
}

func (c Comparator) optionalMatch(a, b Optional[string]) bool {
	if c.MatchUnavailable && !a.IsAvailable() && !b.IsAvailable() {
		return true
	}
	return a.Matches(b)
}
