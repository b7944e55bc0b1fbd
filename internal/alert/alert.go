// Package alert defines the inbound alert model and content parsing.
package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformed marks input the pipeline cannot decide on. Callers must
// treat it as a hard failure, never as a suppression verdict.
var ErrMalformed = errors.New("malformed alert")

// Alert is a structured alert as handed to the dedup core. Missing fields
// default to empty strings and never fail the pipeline.
type Alert struct {
	Service  string `json:"service"`
	Severity string `json:"severity"`
	Type     string `json:"type"`
	Message  string `json:"message"`
}

var (
	serviceRe      = regexp.MustCompile(`(?i)service[:\s]+([^\n\r]+)`)
	severityRe     = regexp.MustCompile(`(?i)severity[:\s]+(\w+)`)
	severityWordRe = regexp.MustCompile(`(?i)\b(critical|high|medium|low)\b`)
)

// typeKeywords maps message substrings to alert types, checked in order.
var typeKeywords = []struct {
	keyword   string
	alertType string
}{
	{"cpu", "cpu"},
	{"memory", "memory"},
	{"disk", "disk"},
	{"network", "network"},
}

// ParseContent extracts a structured Alert from raw content. JSON input is
// decoded directly; anything else goes through best-effort text extraction
// of service, severity, and alert type, with the full content kept as the
// message. Content that yields no usable fields at all is ErrMalformed.
func ParseContent(content []byte) (*Alert, error) {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	var al Alert
	if err := json.Unmarshal([]byte(trimmed), &al); err == nil {
		if al == (Alert{}) {
			return nil, fmt.Errorf("%w: no recognized fields in JSON payload", ErrMalformed)
		}
		return &al, nil
	}

	return parseText(trimmed), nil
}

// parseText pulls structured fields out of free-form alert text.
func parseText(content string) *Alert {
	al := &Alert{Message: content}

	if m := serviceRe.FindStringSubmatch(content); m != nil {
		al.Service = strings.TrimSpace(m[1])
	}

	if m := severityRe.FindStringSubmatch(content); m != nil {
		al.Severity = strings.TrimSpace(m[1])
	} else if m := severityWordRe.FindStringSubmatch(content); m != nil {
		al.Severity = m[1]
	}

	lower := strings.ToLower(content)
	al.Type = "general"
	for _, tk := range typeKeywords {
		if strings.Contains(lower, tk.keyword) {
			al.Type = tk.alertType
			break
		}
	}

	return al
}
