package core

// FirstJSONObject returns the first balanced brace-delimited block in s.
// Agents often wrap their JSON verdicts in prose; callers unmarshal the
// extracted block and fall back to defaults when nothing parses.
func FirstJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
