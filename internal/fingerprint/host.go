package fingerprint

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

var (
	errNoScreen = errors.New("screen not reported")
	errNoWebGL  = errors.New("webgl not available")
)

// HostEnvironment probes the machine the agent runs on. Browser-only
// signals are unavailable; the screen can be supplied through
// PREVIEWGUARD_SCREEN ("WxH" or "WxH@depth").
type HostEnvironment struct {
	getenv   func(string) string
	readFile func(string) ([]byte, error)
	readlink func(string) (string, error)
	goos     string
	goarch   string
	numCPU   int
}

func NewHostEnvironment() *HostEnvironment {
	return &HostEnvironment{
		getenv:   os.Getenv,
		readFile: os.ReadFile,
		readlink: os.Readlink,
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
		numCPU:   runtime.NumCPU(),
	}
}

func (h *HostEnvironment) Screen() (Screen, error) {
	v := strings.TrimSpace(h.getenv("PREVIEWGUARD_SCREEN"))
	if v == "" {
		return Screen{}, errNoScreen
	}
	return parseScreen(v)
}

func parseScreen(v string) (Screen, error) {
	var s Screen
	dims, depth, hasDepth := strings.Cut(v, "@")
	w, h, ok := strings.Cut(strings.ToLower(dims), "x")
	if !ok {
		return s, fmt.Errorf("invalid screen %q", v)
	}
	var err error
	if s.Width, err = strconv.Atoi(strings.TrimSpace(w)); err != nil {
		return Screen{}, fmt.Errorf("invalid screen width: %w", err)
	}
	if s.Height, err = strconv.Atoi(strings.TrimSpace(h)); err != nil {
		return Screen{}, fmt.Errorf("invalid screen height: %w", err)
	}
	if hasDepth {
		if s.ColorDepth, err = strconv.Atoi(strings.TrimSpace(depth)); err != nil {
			return Screen{}, fmt.Errorf("invalid color depth: %w", err)
		}
	}
	return s, nil
}

// Timezone returns the IANA zone name from TZ or the /etc/localtime link.
func (h *HostEnvironment) Timezone() string {
	if tz := strings.TrimPrefix(h.getenv("TZ"), ":"); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "" && name != "Local" {
		return name
	}
	if target, err := h.readlink("/etc/localtime"); err == nil {
		if _, zone, ok := strings.Cut(target, "zoneinfo/"); ok {
			return zone
		}
	}
	return "UTC"
}

func (h *HostEnvironment) Language() string {
	for _, k := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if tag := localeTag(h.getenv(k)); tag != "" {
			return tag
		}
	}
	return ""
}

// localeTag turns a POSIX locale ("en_US.UTF-8") into the canonical BCP 47
// tag a browser reports ("en-US"). C, POSIX and malformed locales carry no
// language.
func localeTag(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	if locale == "" || locale == "C" || locale == "POSIX" {
		return ""
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return ""
	}
	return tag.String()
}

// Platform mirrors the strings browsers report for the same host.
func (h *HostEnvironment) Platform() string {
	switch h.goos {
	case "windows":
		return "Win32"
	case "darwin":
		if h.goarch == "arm64" {
			return "MacARM"
		}
		return "MacIntel"
	case "linux":
		switch h.goarch {
		case "amd64":
			return "Linux x86_64"
		case "arm64":
			return "Linux aarch64"
		case "386":
			return "Linux i686"
		}
		return "Linux " + h.goarch
	}
	return h.goos + " " + h.goarch
}

// CookiesEnabled is false: the agent keeps no cookie jar.
func (h *HostEnvironment) CookiesEnabled() bool { return false }

func (h *HostEnvironment) DoNotTrack() (string, bool) {
	v := strings.TrimSpace(h.getenv("DO_NOT_TRACK"))
	if v == "" {
		return "", false
	}
	return v, true
}

func (h *HostEnvironment) HardwareConcurrency() int { return h.numCPU }

// DeviceMemory reports GiB the way navigator.deviceMemory does: rounded
// down to a power of two and capped at 8.
func (h *HostEnvironment) DeviceMemory() (int, bool) {
	if h.goos != "linux" {
		return 0, false
	}
	data, err := h.readFile("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	kb, ok := memTotalKB(data)
	if !ok {
		return 0, false
	}
	return bucketMemory(kb), true
}

func memTotalKB(meminfo []byte) (int64, bool) {
	sc := bufio.NewScanner(bytes.NewReader(meminfo))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			n, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

func bucketMemory(kb int64) int {
	gib := kb / (1024 * 1024)
	bucket := 1
	for bucket*2 <= int(gib) && bucket < 8 {
		bucket *= 2
	}
	return bucket
}

func (h *HostEnvironment) TouchSupport() bool { return false }

func (h *HostEnvironment) WebGL() (WebGLInfo, error) { return WebGLInfo{}, errNoWebGL }

func (h *HostEnvironment) Canvas() ([]byte, error) { return renderCanvas() }
