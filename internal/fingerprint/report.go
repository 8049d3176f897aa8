package fingerprint

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Report is the JSON document the in-page script posts with the raw probe
// results. Empty strings mean the browser could not provide the signal.
type Report struct {
	ScreenWidth         int     `json:"screenWidth"`
	ScreenHeight        int     `json:"screenHeight"`
	ColorDepth          int     `json:"colorDepth"`
	Timezone            string  `json:"timezone"`
	Language            string  `json:"language"`
	Platform            string  `json:"platform"`
	CookiesEnabled      bool    `json:"cookiesEnabled"`
	DoNotTrack          *string `json:"doNotTrack,omitempty"`
	HardwareConcurrency int     `json:"hardwareConcurrency"`
	DeviceMemory        *int    `json:"deviceMemory,omitempty"`
	TouchSupport        bool    `json:"touchSupport"`
	WebGLVendor         string  `json:"webglVendor,omitempty"`
	WebGLRenderer       string  `json:"webglRenderer,omitempty"`
	// CanvasData is the canvas toDataURL("image/png") result.
	CanvasData string `json:"canvasData,omitempty"`
}

// ReportedEnvironment serves probe results from a browser Report so the
// server derives the same Characteristics the page would.
type ReportedEnvironment struct {
	r Report
}

func NewReportedEnvironment(r Report) ReportedEnvironment { return ReportedEnvironment{r: r} }

func (e ReportedEnvironment) Screen() (Screen, error) {
	if e.r.ScreenWidth <= 0 || e.r.ScreenHeight <= 0 {
		return Screen{ColorDepth: e.r.ColorDepth}, nil
	}
	return Screen{Width: e.r.ScreenWidth, Height: e.r.ScreenHeight, ColorDepth: e.r.ColorDepth}, nil
}

func (e ReportedEnvironment) Timezone() string     { return e.r.Timezone }
func (e ReportedEnvironment) Language() string     { return e.r.Language }
func (e ReportedEnvironment) Platform() string     { return e.r.Platform }
func (e ReportedEnvironment) CookiesEnabled() bool { return e.r.CookiesEnabled }
func (e ReportedEnvironment) TouchSupport() bool   { return e.r.TouchSupport }

func (e ReportedEnvironment) DoNotTrack() (string, bool) {
	if e.r.DoNotTrack == nil {
		return "", false
	}
	return *e.r.DoNotTrack, true
}

func (e ReportedEnvironment) HardwareConcurrency() int { return e.r.HardwareConcurrency }

func (e ReportedEnvironment) DeviceMemory() (int, bool) {
	if e.r.DeviceMemory == nil {
		return 0, false
	}
	return *e.r.DeviceMemory, true
}

func (e ReportedEnvironment) WebGL() (WebGLInfo, error) {
	if e.r.WebGLVendor == "" && e.r.WebGLRenderer == "" {
		return WebGLInfo{}, errNoWebGL
	}
	return WebGLInfo{Vendor: e.r.WebGLVendor, Renderer: e.r.WebGLRenderer}, nil
}

func (e ReportedEnvironment) Canvas() ([]byte, error) {
	data := e.r.CanvasData
	if data == "" {
		return nil, errors.New("canvas not reported")
	}
	if _, payload, ok := strings.Cut(data, ";base64,"); ok {
		data = payload
	}
	return base64.StdEncoding.DecodeString(data)
}

// FromReport collects Characteristics and a Fingerprint from a Report.
func FromReport(r Report) (Fingerprint, Characteristics) {
	return NewCollector(NewReportedEnvironment(r)).Collect()
}
