package detection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var automationKeywords = []string{"headless", "selenium", "webdriver", "puppeteer", "playwright"}

// Headers whose mere presence indicates an instrumented browser.
var automationHeaderNames = []string{
	"X-DevTools-Emulate-Network-Conditions-Client-Id",
	"X-Selenium-Session",
}

func analyzeHeaders(headers http.Header) HeaderAnalysis {
	analysis := HeaderAnalysis{
		MissingExpected:    checkMissingHeaders(headers),
		AutomationHeaders:  detectAutomationHeaders(headers),
		InconsistentValues: []string{},
		HeaderCount:        len(headers),
	}

	userAgent := headers.Get("User-Agent")
	acceptLanguage := headers.Get("Accept-Language")
	if userAgent != "" && acceptLanguage != "" && isLanguageUAInconsistent(userAgent, acceptLanguage) {
		analysis.InconsistentValues = append(analysis.InconsistentValues, "language-ua-mismatch")
	}
	return analysis
}

// detectAutomationHeaders reports every header naming an automation tool,
// in header name order.
func detectAutomationHeaders(headers http.Header) []string {
	found := []string{}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for _, value := range headers[name] {
			lower := strings.ToLower(value)
			for _, kw := range automationKeywords {
				if strings.Contains(lower, kw) {
					found = append(found, fmt.Sprintf("%s: %s", name, value))
					break
				}
			}
		}
	}
	for _, name := range automationHeaderNames {
		if headers.Get(name) != "" {
			found = append(found, "header:"+strings.ToLower(name))
		}
	}
	return found
}

func checkMissingHeaders(headers http.Header) []string {
	missing := []string{}
	for _, expected := range []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding"} {
		if headers.Get(expected) == "" {
			missing = append(missing, expected)
		}
	}
	return missing
}

func isLanguageUAInconsistent(userAgent, acceptLanguage string) bool {
	ua := strings.ToLower(userAgent)
	lang := strings.ToLower(acceptLanguage)
	if strings.Contains(ua, "zh-cn") && !strings.Contains(lang, "zh") {
		return true
	}
	if strings.Contains(ua, "; ja") && !strings.Contains(lang, "ja") {
		return true
	}
	if strings.Contains(ua, "; ko") && !strings.Contains(lang, "ko") {
		return true
	}
	return false
}

// headerFingerprint hashes the sorted header names with a value prefix. It
// identifies client software, not devices.
func headerFingerprint(headers http.Header) string {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		value := headers.Get(key)
		if len(value) > 20 {
			value = value[:20] + "..."
		}
		parts = append(parts, strings.ToLower(key)+":"+value)
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:8])
}
