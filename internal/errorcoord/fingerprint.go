package errorcoord

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Replacement order matters: URLs before paths and emails before numbers,
// otherwise the broader patterns swallow pieces of the narrower ones.
var templateRules = []struct {
	re          *regexp.Regexp
	placeholder string
}{
	{regexp.MustCompile(`https?://[^\s"']+`), "{url}"},
	{regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`), "{uuid}"},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "{email}"},
	{regexp.MustCompile(`(?:/[A-Za-z0-9._-]+){2,}/?`), "{path}"},
	{regexp.MustCompile(`\b\d+(?:\.\d+)?`), "{number}"},
}

// Template strips the variable parts of an error message so occurrences
// of the same underlying fault collapse onto one string.
func Template(message string) string {
	out := message
	for _, rule := range templateRules {
		out = rule.re.ReplaceAllString(out, rule.placeholder)
	}
	return out
}

// Fingerprint identifies an error family: same type, class, service,
// operation and message shape yield the same 16-char id.
func Fingerprint(errorType string, category Category, serviceName, operation, template string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		errorType, string(category), serviceName, operation, template,
	}, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
