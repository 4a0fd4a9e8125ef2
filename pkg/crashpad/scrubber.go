// scrubber.go implements fail-closed redaction of sensitive data in reports.

package crashpad

import (
	"regexp"
	"strings"
)

// ScrubberConfig controls scrubbing behavior.
type ScrubberConfig struct {
	// SensitiveKeys contains additional case-insensitive substrings that mark
	// a property key as sensitive.
	SensitiveKeys []string

	// MaxReasonSize is the maximum length for fault reasons (default: 4096).
	MaxReasonSize int

	// MaxPropertySize is the maximum length per property value (default: 1024).
	MaxPropertySize int

	// MaxAttachmentSize is the maximum size per attachment (default: 65536).
	MaxAttachmentSize int

	// ScrubMessages enables pattern scrubbing of reasons and text attachments
	// for secrets and PII (default: true).
	ScrubMessages bool

	// FailClosed redacts a value entirely instead of truncating it when it
	// exceeds its size limit (default: false).
	FailClosed bool
}

// DefaultScrubberConfig returns production-safe defaults.
func DefaultScrubberConfig() ScrubberConfig {
	return ScrubberConfig{
		MaxReasonSize:     4096,
		MaxPropertySize:   1024,
		MaxAttachmentSize: 64 * 1024,
		ScrubMessages:     true,
	}
}

// Compiled regex patterns for message scrubbing (compiled once at package init)
var messageScrubPatterns = []*regexp.Regexp{
	// API keys and tokens
	regexp.MustCompile(`(?i)(api[_-]?key|token)[=:\s]+['"]?[\w\-\.]+['"]?`),
	regexp.MustCompile(`(?i)(authorization|bearer)[=:\s]+['"]?[\w\-\.]+['"]?[\s]+['"]?[\w\-\.]+['"]?`),
	regexp.MustCompile(`(?i)sk-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`(?i)gh[po]_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`(?i)github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`(?i)xox[baprs]-[a-zA-Z0-9\-]{10,}`),
	regexp.MustCompile(`(?i)eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),

	// Credentials
	regexp.MustCompile(`(?i)(password|passwd|secret|credential)[=:\s]+['"]?[^\s'",]+['"]?`),

	// PII
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
}

// Sensitive property key patterns (case-insensitive substring match)
var sensitiveKeyPatterns = []string{
	"token",
	"key",
	"secret",
	"password",
	"passwd",
	"credential",
	"auth",
}

const redacted = "[REDACTED]"

// Scrubber redacts sensitive data from reports.
type Scrubber struct {
	cfg ScrubberConfig
}

// NewScrubber creates a new scrubber with the given configuration.
func NewScrubber(cfg ScrubberConfig) *Scrubber {
	return &Scrubber{cfg: cfg}
}

// ScrubReport scrubs the fault reason, properties and text attachments of r
// in place. Frames carry only symbols and addresses and are left untouched.
func (s *Scrubber) ScrubReport(r *Report) {
	r.Fault.Reason = s.ScrubMessage(r.Fault.Reason)
	r.Properties = s.ScrubProperties(r.Properties)
	r.Attachments = s.ScrubAttachments(r.Attachments)
}

// ScrubMessage scrubs sensitive patterns from a message.
func (s *Scrubber) ScrubMessage(msg string) string {
	if s.cfg.MaxReasonSize > 0 && len(msg) > s.cfg.MaxReasonSize {
		if s.cfg.FailClosed {
			return "[REDACTED:SIZE_LIMIT]"
		}
		msg = truncateWithMarker(msg, s.cfg.MaxReasonSize)
	}
	if !s.cfg.ScrubMessages {
		return msg
	}

	for _, pattern := range messageScrubPatterns {
		msg = pattern.ReplaceAllString(msg, redacted)
	}
	return msg
}

// ScrubProperties redacts sensitive keys and truncates long values.
func (s *Scrubber) ScrubProperties(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}

	result := make(map[string]string, len(props))
	for key, value := range props {
		if s.isSensitiveKey(key) {
			result[key] = redacted
			continue
		}
		if s.cfg.MaxPropertySize > 0 && len(value) > s.cfg.MaxPropertySize {
			value = truncateWithMarker(value, s.cfg.MaxPropertySize)
		}
		result[key] = value
	}
	return result
}

// ScrubAttachments scrubs text attachments and enforces the size limit.
// Binary attachments over the limit are dropped.
func (s *Scrubber) ScrubAttachments(attachments []Attachment) []Attachment {
	if attachments == nil {
		return nil
	}

	result := make([]Attachment, 0, len(attachments))
	for _, a := range attachments {
		oversized := s.cfg.MaxAttachmentSize > 0 && len(a.Data) > s.cfg.MaxAttachmentSize
		if a.ContentType != ContentTypeText {
			if !oversized {
				result = append(result, a)
			}
			continue
		}

		text := string(a.Data)
		if oversized {
			if s.cfg.FailClosed {
				continue
			}
			text = truncateWithMarker(text, s.cfg.MaxAttachmentSize)
		}
		if s.cfg.ScrubMessages {
			for _, pattern := range messageScrubPatterns {
				text = pattern.ReplaceAllString(text, redacted)
			}
		}
		a.Data = []byte(text)
		result = append(result, a)
	}
	return result
}

// isSensitiveKey checks if a property key matches sensitive patterns.
func (s *Scrubber) isSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	for _, pattern := range s.cfg.SensitiveKeys {
		if pattern != "" && strings.Contains(keyLower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// truncateWithMarker truncates a string and adds a truncation marker.
func truncateWithMarker(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	marker := "...[TRUNCATED]"
	if maxLen <= len(marker) {
		return marker[:maxLen]
	}
	return s[:maxLen-len(marker)] + marker
}
