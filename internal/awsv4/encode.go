package awsv4

// URLEncode percent-encodes s the way SigV4 canonicalization requires:
// unreserved characters pass through, the slash passes through unless
// encodeSlash is set, and every other byte becomes %XX with uppercase hex.
// Object keys are encoded with encodeSlash=false, query-parameter values
// with encodeSlash=true.
func URLEncode(s string, encodeSlash bool) string {
	const hex = "0123456789ABCDEF"

	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') ||
			c == '_' || c == '-' || c == '~' || c == '.':
			buf = append(buf, c)
		case c == '/' && !encodeSlash:
			buf = append(buf, c)
		default:
			buf = append(buf, '%', hex[c>>4], hex[c&0x0f])
		}
	}
	return string(buf)
}
