package license

import (
	"encoding/hex"
	"regexp"
	"strings"
)

// keyPattern matches PREFIX-XXXXXXXX-XXXXXXXX-XXXXXXXX.
var keyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,7}-[0-9A-F]{8}-[0-9A-F]{8}-[0-9A-F]{8}$`)

const keyGroups = 3

// NormalizeKey trims whitespace and upper-cases a user supplied key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidKeyFormat reports whether key has the license key shape.
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// formatKey renders the first 12 bytes of sum as three dashed hex groups.
func formatKey(prefix string, sum []byte) string {
	h := strings.ToUpper(hex.EncodeToString(sum[:keyGroups*4]))
	var b strings.Builder
	b.WriteString(prefix)
	for i := 0; i < keyGroups; i++ {
		b.WriteByte('-')
		b.WriteString(h[i*8 : (i+1)*8])
	}
	return b.String()
}

// MaskKey hides everything after the first group, for logs (DEF-1A2B3C4D-****-****).
func MaskKey(key string) string {
	parts := strings.Split(key, "-")
	if len(parts) < 2 {
		if len(key) > 8 {
			return key[:8] + "****"
		}
		return "****"
	}
	masked := parts[0] + "-" + parts[1]
	for i := 2; i < len(parts); i++ {
		masked += "-****"
	}
	return masked
}
