package emailtask

import (
	"regexp"
	"strings"
)

var (
	taskURLRe   = regexp.MustCompile(`clickup\.com/t/([a-zA-Z0-9]+)`)
	bareIDRe    = regexp.MustCompile(`^[a-zA-Z0-9]{5,12}$`)
	lettersRe   = regexp.MustCompile(`^[a-zA-Z]+$`)
	hashedIDRe  = regexp.MustCompile(`^#([a-zA-Z0-9]+)$`)
	searchWords = regexp.MustCompile(`\s+`)
)

// ExtractTaskID recognizes a task id in user input: a task URL, "#id", or a
// bare id. Short letter-only words are not ids.
func ExtractTaskID(input string) (string, bool) {
	if m := taskURLRe.FindStringSubmatch(input); m != nil {
		return m[1], true
	}
	trimmed := strings.TrimSpace(input)
	if bareIDRe.MatchString(trimmed) {
		if lettersRe.MatchString(trimmed) && len(trimmed) < 8 {
			return "", false
		}
		return trimmed, true
	}
	if m := hashedIDRe.FindStringSubmatch(trimmed); m != nil {
		return m[1], true
	}
	return "", false
}
