package detection

// Signals is what one request reveals about the client.
type Signals struct {
	HeaderFingerprint string         `json:"header_fingerprint"`
	Headers           HeaderAnalysis `json:"headers"`
	UserAgent         UAAnalysis     `json:"user_agent"`
	Timing            TimingAnalysis `json:"timing"`

	// Automated is set when any header or the user agent names an
	// automation tool. Reasons lists what matched.
	Automated bool     `json:"automated"`
	Reasons   []string `json:"reasons,omitempty"`
}

// HeaderAnalysis contains header-based detection signals
type HeaderAnalysis struct {
	MissingExpected    []string `json:"missing_expected"`
	AutomationHeaders  []string `json:"automation_headers"`
	InconsistentValues []string `json:"inconsistent_values"`
	HeaderCount        int      `json:"header_count"`
}

// UAAnalysis contains user-agent string analysis
type UAAnalysis struct {
	Length             int      `json:"length"`
	AutomationKeywords []string `json:"automation_keywords"`
	Platform           string   `json:"platform"`
	Browser            string   `json:"browser"`
}

// TimingAnalysis describes the gap since the client's previous request.
type TimingAnalysis struct {
	RequestInterval    float64 `json:"request_interval_ms"`
	IntervalPrecision  int     `json:"interval_precision"` // round-number interval, e.g. exact 1000ms
	HasPreviousRequest bool    `json:"has_previous_request"`
}

// Metadata flattens the signals for a security event.
func (s Signals) Metadata() map[string]any {
	m := map[string]any{
		"headerFingerprint": s.HeaderFingerprint,
		"reasons":           s.Reasons,
		"platform":          s.UserAgent.Platform,
		"browser":           s.UserAgent.Browser,
	}
	if len(s.Headers.MissingExpected) > 0 {
		m["missingHeaders"] = s.Headers.MissingExpected
	}
	if s.Timing.HasPreviousRequest {
		m["intervalMs"] = s.Timing.RequestInterval
		m["intervalPrecision"] = s.Timing.IntervalPrecision
	}
	return m
}
