package fingerprint

import (
	"errors"
	"testing"
)

func testHost(env map[string]string) *HostEnvironment {
	return &HostEnvironment{
		getenv:   func(k string) string { return env[k] },
		readFile: func(string) ([]byte, error) { return nil, errors.New("no file") },
		readlink: func(string) (string, error) { return "", errors.New("no link") },
		goos:     "linux",
		goarch:   "amd64",
		numCPU:   4,
	}
}

func TestLocaleTag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"en_US.UTF-8", "en-US"},
		{"de_DE@euro", "de-DE"},
		{"fr", "fr"},
		{"C", ""},
		{"POSIX", ""},
		{"", ""},
		{" pt_BR.utf8 ", "pt-BR"},
		{"en_us", "en-US"},
		{"123_456", ""},
	}
	for _, tt := range tests {
		if got := localeTag(tt.in); got != tt.want {
			t.Errorf("localeTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHostLanguagePrecedence(t *testing.T) {
	h := testHost(map[string]string{"LANG": "en_US.UTF-8", "LC_ALL": "ja_JP.UTF-8"})
	if got := h.Language(); got != "ja-JP" {
		t.Errorf("Language() = %q, want ja-JP", got)
	}
	h = testHost(map[string]string{"LANG": "en_GB.UTF-8", "LC_ALL": "C"})
	if got := h.Language(); got != "en-GB" {
		t.Errorf("Language() = %q, want en-GB", got)
	}
}

func TestHostPlatform(t *testing.T) {
	tests := []struct {
		goos, goarch, want string
	}{
		{"linux", "amd64", "Linux x86_64"},
		{"linux", "arm64", "Linux aarch64"},
		{"linux", "riscv64", "Linux riscv64"},
		{"darwin", "amd64", "MacIntel"},
		{"darwin", "arm64", "MacARM"},
		{"windows", "amd64", "Win32"},
		{"freebsd", "amd64", "freebsd amd64"},
	}
	for _, tt := range tests {
		h := testHost(nil)
		h.goos, h.goarch = tt.goos, tt.goarch
		if got := h.Platform(); got != tt.want {
			t.Errorf("%s/%s: Platform() = %q, want %q", tt.goos, tt.goarch, got, tt.want)
		}
	}
}

func TestHostTimezone(t *testing.T) {
	h := testHost(map[string]string{"TZ": ":America/New_York"})
	if got := h.Timezone(); got != "America/New_York" {
		t.Errorf("Timezone() = %q, want America/New_York", got)
	}
}

func TestParseScreen(t *testing.T) {
	tests := []struct {
		in      string
		want    Screen
		wantErr bool
	}{
		{"1920x1080", Screen{Width: 1920, Height: 1080}, false},
		{"2560X1440@30", Screen{Width: 2560, Height: 1440, ColorDepth: 30}, false},
		{"1920", Screen{}, true},
		{"axb", Screen{}, true},
		{"10x10@deep", Screen{}, true},
	}
	for _, tt := range tests {
		got, err := parseScreen(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseScreen(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseScreen(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestHostDeviceMemory(t *testing.T) {
	h := testHost(nil)
	h.readFile = func(string) ([]byte, error) {
		return []byte("MemTotal:       16303412 kB\nMemFree:         1234 kB\n"), nil
	}
	if got, ok := h.DeviceMemory(); !ok || got != 8 {
		t.Errorf("DeviceMemory() = %d/%v, want 8/true", got, ok)
	}

	h.readFile = func(string) ([]byte, error) { return []byte("MemTotal: 3900000 kB\n"), nil }
	if got, ok := h.DeviceMemory(); !ok || got != 2 {
		t.Errorf("DeviceMemory() = %d/%v, want 2/true", got, ok)
	}

	h.goos = "darwin"
	if _, ok := h.DeviceMemory(); ok {
		t.Error("DeviceMemory should be unavailable off linux")
	}
}

func TestHostCollectIsStable(t *testing.T) {
	h := testHost(map[string]string{"LANG": "en_US.UTF-8", "TZ": "UTC", "PREVIEWGUARD_SCREEN": "1920x1080@24"})
	c := NewCollector(h)
	fp1, ch := c.Collect()
	fp2, _ := c.Collect()

	if fp1 != fp2 {
		t.Error("host fingerprint should be stable across collections")
	}
	if !ch.CanvasFingerprint.IsAvailable() {
		t.Error("host canvas render should be available")
	}
	if ch.WebGLVendor.IsAvailable() {
		t.Error("host webgl should be unavailable")
	}
}
