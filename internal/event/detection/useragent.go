package detection

import "strings"

var uaAutomationKeywords = []string{
	"headless", "selenium", "webdriver", "puppeteer",
	"playwright", "phantom", "jsdom", "nightmare",
	"automated", "crawler",
}

func analyzeUserAgent(userAgent string) UAAnalysis {
	analysis := UAAnalysis{
		Length:             len(userAgent),
		AutomationKeywords: []string{},
	}
	lowerUA := strings.ToLower(userAgent)
	for _, keyword := range uaAutomationKeywords {
		if strings.Contains(lowerUA, keyword) {
			analysis.AutomationKeywords = append(analysis.AutomationKeywords, keyword)
		}
	}
	analysis.Platform = extractPlatform(lowerUA)
	analysis.Browser = extractBrowser(lowerUA)
	return analysis
}

func extractPlatform(lowerUA string) string {
	// iOS UAs contain "Mac OS X", check them first.
	switch {
	case strings.Contains(lowerUA, "iphone") || strings.Contains(lowerUA, "ipad"):
		return "iOS"
	case strings.Contains(lowerUA, "android"):
		return "Android"
	case strings.Contains(lowerUA, "windows"):
		return "Windows"
	case strings.Contains(lowerUA, "mac"):
		return "macOS"
	case strings.Contains(lowerUA, "linux"):
		return "Linux"
	}
	return ""
}

func extractBrowser(lowerUA string) string {
	switch {
	case strings.Contains(lowerUA, "edg"):
		return "Edge"
	case strings.Contains(lowerUA, "chrome"):
		return "Chrome"
	case strings.Contains(lowerUA, "firefox"):
		return "Firefox"
	case strings.Contains(lowerUA, "safari"):
		return "Safari"
	case strings.Contains(lowerUA, "previewguard-agent"):
		return "previewguard-agent"
	}
	return ""
}
