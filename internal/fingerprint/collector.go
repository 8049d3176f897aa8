package fingerprint

import (
	"encoding/base64"
	"fmt"

	"github.com/rs/zerolog/log"
)

// canvasTailLength is how many trailing characters of the base64 canvas
// encoding are kept. The tail carries the compressed pixel data and the
// PNG trailer, which is where renderer differences show up.
const canvasTailLength = 50

// Collector folds an Environment into Characteristics and a Fingerprint.
type Collector struct {
	env Environment
}

func NewCollector(env Environment) *Collector {
	return &Collector{env: env}
}

// Collect reads every probe once. It never fails: a probe that errors or
// panics leaves its field at the default (zero or Unavailable).
func (c *Collector) Collect() (Fingerprint, Characteristics) {
	ch := c.characteristics()
	return Hash(ch), ch
}

// Regenerate collects a fresh value. Previously returned values are not
// affected.
func (c *Collector) Regenerate() (Fingerprint, Characteristics) {
	return c.Collect()
}

func (c *Collector) characteristics() Characteristics {
	var ch Characteristics
	if c == nil || c.env == nil {
		return ch
	}
	env := c.env

	probe("screen", func() {
		s, err := env.Screen()
		if err != nil {
			log.Debug().Err(err).Msg("fingerprint: screen probe unavailable")
			return
		}
		if s.Width > 0 && s.Height > 0 {
			ch.ScreenResolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
		}
		if s.ColorDepth > 0 {
			ch.ColorDepth = s.ColorDepth
		}
	})
	probe("timezone", func() { ch.Timezone = env.Timezone() })
	probe("language", func() { ch.Language = env.Language() })
	probe("platform", func() { ch.Platform = env.Platform() })
	probe("cookies", func() { ch.CookiesEnabled = env.CookiesEnabled() })
	probe("dnt", func() {
		if v, ok := env.DoNotTrack(); ok {
			ch.DoNotTrack = Available(v)
		}
	})
	probe("concurrency", func() {
		if n := env.HardwareConcurrency(); n > 0 {
			ch.HardwareConcurrency = n
		}
	})
	probe("memory", func() {
		if v, ok := env.DeviceMemory(); ok {
			ch.DeviceMemory = Available(v)
		}
	})
	probe("touch", func() { ch.TouchSupport = env.TouchSupport() })
	probe("webgl", func() {
		info, err := env.WebGL()
		if err != nil {
			log.Debug().Err(err).Msg("fingerprint: webgl probe unavailable")
			return
		}
		if info.Vendor != "" {
			ch.WebGLVendor = Available(info.Vendor)
		}
		if info.Renderer != "" {
			ch.WebGLRenderer = Available(info.Renderer)
		}
	})
	probe("canvas", func() {
		img, err := env.Canvas()
		if err != nil || len(img) == 0 {
			log.Debug().Err(err).Msg("fingerprint: canvas probe unavailable")
			return
		}
		ch.CanvasFingerprint = Available(canvasTail(img))
	})
	return ch
}

func canvasTail(img []byte) string {
	enc := base64.StdEncoding.EncodeToString(img)
	if len(enc) > canvasTailLength {
		enc = enc[len(enc)-canvasTailLength:]
	}
	return enc
}

func probe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Str("probe", name).Interface("panic", r).Msg("fingerprint: probe panicked")
		}
	}()
	fn()
}
