package middleware

import "strings"

// MaskAddress маскирует адрес устройства в логах: видны только последние 4 символа.
func MaskAddress(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
