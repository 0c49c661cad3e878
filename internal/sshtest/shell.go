package sshtest

import (
	"fmt"
	"regexp"
	"strings"
)

type simpleCommand struct {
	env         map[string]string
	argv        []string
	redirect    string
	mergeStderr bool
}

type token struct {
	text string
	op   bool
}

var assignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// parse splits cmd on "&&" and ";" into simple commands.
func parse(cmd, home string) ([]simpleCommand, error) {
	tokens, err := tokenize(cmd, home)
	if err != nil {
		return nil, err
	}

	var chain []simpleCommand
	cur := simpleCommand{env: map[string]string{}}
	expectTarget := false
	for _, t := range tokens {
		switch {
		case expectTarget:
			if t.op {
				return nil, fmt.Errorf("syntax error near %q", t.text)
			}
			cur.redirect = t.text
			expectTarget = false
		case t.op && (t.text == "&&" || t.text == ";"):
			chain = append(chain, cur)
			cur = simpleCommand{env: map[string]string{}}
		case t.op && t.text == ">":
			expectTarget = true
		case t.op && t.text == "2>&1":
			cur.mergeStderr = true
		case len(cur.argv) == 0 && assignment.MatchString(t.text):
			k, v, _ := strings.Cut(t.text, "=")
			cur.env[k] = v
		default:
			cur.argv = append(cur.argv, t.text)
		}
	}
	if expectTarget {
		return nil, fmt.Errorf("missing redirect target")
	}
	return append(chain, cur), nil
}

func tokenize(s, home string) ([]token, error) {
	var tokens []token
	var word strings.Builder
	inWord := false

	flush := func() {
		if inWord {
			tokens = append(tokens, token{text: word.String()})
			word.Reset()
			inWord = false
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			flush()

		case c == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return nil, fmt.Errorf("unterminated single quote")
			}
			word.WriteString(s[i+1 : i+1+end])
			inWord = true
			i += end + 1

		case c == '\\' && i+1 < len(s):
			word.WriteByte(s[i+1])
			inWord = true
			i++

		case c == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated double quote")
			}
			word.WriteString(strings.ReplaceAll(s[i+1:i+1+end], "$HOME", home))
			inWord = true
			i += end + 1

		case c == '$' && strings.HasPrefix(s[i:], "$HOME"):
			word.WriteString(home)
			inWord = true
			i += len("$HOME") - 1

		case c == '~' && !inWord && (i+1 == len(s) || s[i+1] == '/' || s[i+1] == ' '):
			word.WriteString(home)
			inWord = true

		case c == '&' && strings.HasPrefix(s[i:], "&&"):
			flush()
			tokens = append(tokens, token{text: "&&", op: true})
			i++

		case c == ';':
			flush()
			tokens = append(tokens, token{text: ";", op: true})

		case c == '>' && word.String() == "2" && strings.HasPrefix(s[i:], ">&1"):
			word.Reset()
			inWord = false
			tokens = append(tokens, token{text: "2>&1", op: true})
			i += 2

		case c == '>':
			flush()
			tokens = append(tokens, token{text: ">", op: true})

		case c == '|' || c == '<' || c == '`':
			return nil, fmt.Errorf("unsupported shell syntax %q", string(c))

		default:
			word.WriteByte(c)
			inWord = true
		}
	}
	flush()
	return tokens, nil
}
