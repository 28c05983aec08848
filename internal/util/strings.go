// Package util provides small helpers shared across the authkit packages.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging sensitive values like tokens and codes, where only a
// short prefix should ever appear in logs.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
