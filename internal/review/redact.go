package review

import "regexp"

const redacted = "[REDACTED]"

// secretPatterns catch common credential shapes before code leaves the
// process.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret)\s*[:=]\s*["']?[A-Za-z0-9/+=_-]{20,}["']?`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)(secret|token|password|passwd)\s*[:=]\s*["'][^"'\n]{8,}["']`),
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._-]{20,}`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`-----BEGIN\s+([A-Z]+\s+)?PRIVATE KEY-----[\s\S]*?-----END\s+([A-Z]+\s+)?PRIVATE KEY-----`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,}`),
	regexp.MustCompile(`xox[bporas]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
}

// RedactSecrets replaces detected credentials in text with [REDACTED].
func RedactSecrets(text string) string {
	for _, pat := range secretPatterns {
		text = pat.ReplaceAllString(text, redacted)
	}
	return text
}
