package directive

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Result is the outcome of parsing one reply.
type Result struct {
	// DisplayText is the reply with every recognized tag and payload removed.
	DisplayText string
	// Directives are the well-formed directives in order of appearance.
	Directives []Directive
	// Dropped lists directives that were stripped without taking effect.
	Dropped []*Error
}

var tags = []string{TagSuggestTask, TagGeneratePlan, TagUpdateTask}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Parse extracts directives from text. It never fails: malformed
// directives are stripped and reported in Result.Dropped. Only the first
// well-formed GENERATE_PLAN and UPDATE_TASK are honored.
func Parse(text string) Result {
	var (
		res      Result
		out      strings.Builder
		last     int
		stripped bool
		seen     = make(map[Kind]bool)
	)

	for i := 0; i < len(text); {
		tag := tagAt(text, i)
		if tag == "" {
			i++
			continue
		}

		end, payload, malformed := span(text, i, tag)
		appendSegment(&out, text[last:i], stripped)
		last, stripped = end, true

		d, err := decode(tag, payload, malformed)
		switch {
		case err != nil:
			err.Offset = i
			res.Dropped = append(res.Dropped, err)
		case d.Kind() != KindSuggestEntity && seen[d.Kind()]:
			res.Dropped = append(res.Dropped, &Error{
				Kind: Duplicate, Tag: tag, Offset: i, Reason: "only the first occurrence is honored",
			})
		default:
			seen[d.Kind()] = true
			res.Directives = append(res.Directives, d)
		}
		i = end
	}

	if !stripped {
		res.DisplayText = text
		return res
	}
	appendSegment(&out, text[last:], true)
	res.DisplayText = tidy(scrub(out.String()))
	return res
}

// scrub removes tags that only formed once surrounding text was cut out,
// such as "[SUGGEST" + directive + "_TASK]".
func scrub(s string) string {
	for {
		i, tag := -1, ""
		for _, t := range tags {
			if j := strings.Index(s, t); j >= 0 && (i < 0 || j < i) {
				i, tag = j, t
			}
		}
		if i < 0 {
			return s
		}
		s = s[:i] + s[i+len(tag):]
	}
}

func tagAt(text string, i int) string {
	if text[i] != '[' {
		return ""
	}
	for _, tag := range tags {
		if strings.HasPrefix(text[i:], tag) {
			return tag
		}
	}
	return ""
}

// span returns the end of the directive starting at i and its raw
// payload, if any. The payload may start on a following line. An
// unbalanced payload runs to the end of text, except after a tag that
// takes no payload, where only the tag is consumed.
func span(text string, i int, tag string) (end int, payload string, malformed string) {
	end = i + len(tag)
	j := end
	for j < len(text) && isSpace(text[j]) {
		j++
	}
	if j >= len(text) || text[j] != '{' {
		return end, "", ""
	}
	n := findJSONEnd(text[j:])
	if n < 0 {
		if !takesPayload(tag) {
			return end, "", ""
		}
		return len(text), "", "unbalanced payload"
	}
	return j + n, text[j : j+n], ""
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func takesPayload(tag string) bool {
	return tag != TagGeneratePlan
}

func decode(tag, payload, malformed string) (Directive, *Error) {
	fail := func(reason string) *Error {
		return &Error{Kind: MalformedPayload, Tag: tag, Reason: reason}
	}

	switch tag {
	case TagGeneratePlan:
		// Any payload is ignored.
		return RegeneratePlan{}, nil

	case TagSuggestTask:
		if malformed != "" {
			return nil, fail(malformed)
		}
		if payload == "" {
			return nil, fail("missing payload")
		}
		var s SuggestEntity
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, fail(err.Error())
		}
		s.Title = strings.TrimSpace(s.Title)
		s.Room = strings.TrimSpace(s.Room)
		if s.Title == "" {
			return nil, fail("title is required")
		}
		return s, nil

	case TagUpdateTask:
		if malformed != "" {
			return nil, fail(malformed)
		}
		if payload == "" {
			return nil, fail("missing payload")
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			return nil, fail(err.Error())
		}
		if len(fields) == 0 {
			return nil, fail("no fields")
		}
		return PatchFields{Fields: fields}, nil
	}
	return nil, fail("unrecognized tag")
}

// findJSONEnd returns the index just past the '}' that closes the object
// opening at s[0], or -1 if it never closes. Braces inside strings are
// skipped.
func findJSONEnd(s string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// appendSegment writes seg, dropping horizontal space that would double
// up where a directive was cut out.
func appendSegment(b *strings.Builder, seg string, afterCut bool) {
	if afterCut {
		cur := b.String()
		if cur == "" || strings.HasSuffix(cur, " ") || strings.HasSuffix(cur, "\t") || strings.HasSuffix(cur, "\n") {
			seg = strings.TrimLeft(seg, " \t")
		}
	}
	b.WriteString(seg)
}

func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
