package openai

// repairJSON fixes the JSON defects small models most often produce: bare
// (unquoted) object keys and trailing commas before a closing brace or
// bracket. The input is scanned once; text inside string literals is left
// untouched.
func repairJSON(s string) string {
	in := []rune(s)
	out := make([]rune, 0, len(in)+16)

	inString := false
	escaped := false
	expectKey := false

	for i := 0; i < len(in); i++ {
		ch := in[i]

		if inString {
			out = append(out, ch)
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
			expectKey = false
			out = append(out, ch)
		case '{':
			expectKey = true
			out = append(out, ch)
		case ',':
			expectKey = true
			out = append(out, ch)
		case '}', ']':
			// Drop a trailing comma left before the close.
			j := len(out) - 1
			for j >= 0 && (out[j] == ' ' || out[j] == '\n' || out[j] == '\t') {
				j--
			}
			if j >= 0 && out[j] == ',' {
				out = append(out[:j], out[j+1:]...)
			}
			out = append(out, ch)
		default:
			if expectKey && isKeyStart(ch) {
				// Bare key: quote it through the trailing colon.
				start := i
				for i < len(in) && in[i] != ':' && in[i] != '"' {
					i++
				}
				if i < len(in) && in[i] == ':' {
					out = append(out, '"')
					out = append(out, trimRightSpace(in[start:i])...)
					out = append(out, '"', ':')
					expectKey = false
					continue
				}
				// Already quoted at the end (e.g. `name": ...`); re-scan
				// from where we stopped with the opening quote added.
				out = append(out, '"')
				out = append(out, trimRightSpace(in[start:i])...)
				i--
				continue
			}
			if ch != ' ' && ch != '\n' && ch != '\t' {
				expectKey = false
			}
			out = append(out, ch)
		}
	}

	return string(out)
}

func isKeyStart(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func trimRightSpace(rs []rune) []rune {
	end := len(rs)
	for end > 0 && (rs[end-1] == ' ' || rs[end-1] == '\n' || rs[end-1] == '\t') {
		end--
	}
	return rs[:end]
}
