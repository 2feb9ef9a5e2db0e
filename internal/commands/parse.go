package commands

import "strings"

// parseCommand splits "/name@bot arg1 arg2" into its lower-cased name and
// arguments. ok is false when text does not start with prefix.
func parseCommand(text, prefix string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	tokens := tokenize(text[len(prefix):])
	if len(tokens) == 0 {
		return "", nil, false
	}
	name = strings.ToLower(tokens[0])
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return name, tokens[1:], true
}

// tokenize splits s on whitespace. Single or double quotes group words and a
// backslash escapes the next byte.
//
//	sub "telegram:-100 1" 42 -> [sub, telegram:-100 1, 42]
func tokenize(s string) []string {
	var (
		out   []string
		buf   strings.Builder
		quote byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			buf.WriteByte(ch)
			esc = false
		case ch == '\\':
			esc = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				buf.WriteByte(ch)
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}
