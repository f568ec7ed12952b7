package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaskEmail keeps the first rune of the local part and the domain: "u***@x.com".
func MaskEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return MaskValue(email)
	}

	local := []rune(email[:at])
	return string(local[0]) + "***" + email[at:]
}

// MaskToken returns a short fingerprint so log lines can be correlated without the token itself.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:4])
}

func MaskIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if i := strings.LastIndex(ip, "."); i > 0 && strings.Count(ip, ".") == 3 {
		return ip[:i] + ".x"
	}
	if i := strings.LastIndex(ip, ":"); i > 0 {
		return ip[:i] + ":x"
	}
	return MaskValue(ip)
}

func MaskValue(value string) string {
	runes := []rune(value)
	if len(runes) <= 2 {
		return "***"
	}
	return string(runes[0]) + "***" + string(runes[len(runes)-1])
}
