// Package detection inspects incoming requests for signs of automated
// clients: headless browsers, webdriver sessions and scripted polling.
package detection

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// Analyzer inspects requests. The zero value is not usable; use
// NewAnalyzer.
type Analyzer struct {
	tracker    TimingTracker
	trustProxy bool
	now        func() time.Time
}

// NewAnalyzer builds an Analyzer. A nil tracker gets an in-memory one.
// With trustProxy the client address comes from X-Forwarded-For.
func NewAnalyzer(tracker TimingTracker, trustProxy bool) *Analyzer {
	if tracker == nil {
		tracker = NewMemoryTimingTracker(0)
	}
	return &Analyzer{tracker: tracker, trustProxy: trustProxy, now: time.Now}
}

// Analyze collects the signals for r and records it for timing analysis.
func (a *Analyzer) Analyze(r *http.Request) Signals {
	s := Signals{
		HeaderFingerprint: headerFingerprint(r.Header),
		Headers:           analyzeHeaders(r.Header),
		UserAgent:         analyzeUserAgent(r.UserAgent()),
		Timing:            a.analyzeTiming(ClientIP(r, a.trustProxy)),
	}
	for _, kw := range s.UserAgent.AutomationKeywords {
		s.Reasons = append(s.Reasons, "user-agent:"+kw)
	}
	s.Reasons = append(s.Reasons, s.Headers.AutomationHeaders...)
	s.Automated = len(s.Reasons) > 0
	return s
}

// ClientIP returns the request's client address without the port.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			return strings.TrimSpace(xrip)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}
