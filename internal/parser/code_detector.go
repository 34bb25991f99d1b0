package parser

import (
	"regexp"
	"strings"

	"github.com/mixelka/mailwatch/pkg/models"
)

// maxCodes bounds how many codes are reported for one message
const maxCodes = 4

// CodeDetector detects verification codes in text
type CodeDetector struct {
	patterns []codePattern
}

type codePattern struct {
	kind string
	re   *regexp.Regexp
}

func pattern(kind, expr string) codePattern {
	return codePattern{kind: kind, re: regexp.MustCompile(expr)}
}

// NewCodeDetector creates a code detector. Keyword patterns come before
// the bare ones so a code is labelled by its context when there is one.
func NewCodeDetector() *CodeDetector {
	return &CodeDetector{
		patterns: []codePattern{
			pattern("otp", `(?i)(?:code|код|otp|pin|пин|one[- ]time|password|пароль)[\s:\-]*(\d{4,8})\b`),
			pattern("verification", `(?i)(?:verif\w*|confirm\w*|подтвержд\w*|активац\w*)[\s\w]{0,30}?[\s:\-]+(\d{4,8})\b`),
			pattern("security", `(?i)(?:security|2fa|two[- ]factor|безопасност\w*)[\s\w]{0,30}?[\s:\-]+(\d{4,8})\b`),
			pattern("code", `(?i)(?:code|код)[\s:\-]*([A-Z0-9]{4,12})\b`),
			// A number alone on its line
			pattern("code", `(?m)^\s*(\d{4,8})\s*$`),
		},
	}
}

// Detect finds verification codes in a message subject and body
func (d *CodeDetector) Detect(msg models.Message, body string) []models.DetectedCode {
	codes := d.DetectCodes(msg.Subject + "\n" + body)
	if len(codes) > maxCodes {
		codes = codes[:maxCodes]
	}
	return codes
}

// DetectCodes finds all verification codes in text, strongest patterns first.
// A value is reported once, under the first pattern that matched it.
func (d *CodeDetector) DetectCodes(text string) []models.DetectedCode {
	var codes []models.DetectedCode
	seen := make(map[string]bool)

	for _, p := range d.patterns {
		for _, match := range p.re.FindAllStringSubmatch(text, -1) {
			if len(match) < 2 {
				continue
			}
			code := strings.TrimSpace(match[1])
			if seen[code] || len(code) < 4 || !hasDigit(code) {
				continue
			}
			seen[code] = true
			codes = append(codes, models.DetectedCode{Type: p.kind, Value: code})
		}
	}

	return codes
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0
}
