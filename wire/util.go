package wire

// shortHash returns up to the first 8 characters of an identifier for logs.
func shortHash(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
