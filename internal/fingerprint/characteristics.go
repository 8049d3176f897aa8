package fingerprint

// Characteristics is the passively observable description of a viewing
// device. It is a value type: collecting again yields a new value, an
// existing one is never updated in place.
type Characteristics struct {
	ScreenResolution    string           `json:"screenResolution"` // "WxH"
	ColorDepth          int              `json:"colorDepth"`
	Timezone            string           `json:"timezone"` // IANA name
	Language            string           `json:"language"` // locale tag
	Platform            string           `json:"platform"`
	CookiesEnabled      bool             `json:"cookiesEnabled"`
	DoNotTrack          Optional[string] `json:"doNotTrack"`
	HardwareConcurrency int              `json:"hardwareConcurrency"`
	DeviceMemory        Optional[int]    `json:"deviceMemory"`
	TouchSupport        bool             `json:"touchSupport"`
	WebGLVendor         Optional[string] `json:"webglVendor"`
	WebGLRenderer       Optional[string] `json:"webglRenderer"`
	CanvasFingerprint   Optional[string] `json:"canvasFingerprint"`
}

// Fingerprint is the lower-case hex SHA-256 digest of the canonical JSON
// encoding of a Characteristics value.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short returns a prefix suitable for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Screen is what a screen probe reports.
type Screen struct {
	Width      int
	Height     int
	ColorDepth int
}

// WebGLInfo is what a WebGL probe reports (unmasked vendor/renderer).
type WebGLInfo struct {
	Vendor   string
	Renderer string
}

// Environment is the set of probes a Collector reads. Implementations may
// return errors or panic; the Collector degrades those to defaults.
type Environment interface {
	Screen() (Screen, error)
	Timezone() string
	Language() string
	Platform() string
	CookiesEnabled() bool
	DoNotTrack() (string, bool)
	HardwareConcurrency() int
	DeviceMemory() (int, bool)
	TouchSupport() bool
	WebGL() (WebGLInfo, error)
	// Canvas returns the encoded image of a fixed test render.
	Canvas() ([]byte, error)
}
