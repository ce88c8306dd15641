package links

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/teemow/inboxlink/internal/clickup"
)

// Link strategies.
const (
	StrategyCustomField = "custom_field"
	StrategyPattern     = "pattern"
)

// DefaultFieldName is the custom field that carries thread ids.
const DefaultFieldName = "Gmail Thread ID"

// Extractor finds the Gmail thread ids a task refers to.
type Extractor interface {
	Extract(task clickup.Task) []string
}

// NewExtractor returns the extractor for strategy.
func NewExtractor(strategy, fieldName string) (Extractor, error) {
	switch strategy {
	case StrategyCustomField, "":
		if fieldName == "" {
			fieldName = DefaultFieldName
		}
		return CustomFieldExtractor{FieldName: fieldName}, nil
	case StrategyPattern:
		return PatternExtractor{}, nil
	default:
		return nil, fmt.Errorf("unknown link strategy %q", strategy)
	}
}

// CustomFieldExtractor reads comma-separated ids from a named custom field.
// The name match is case-insensitive.
type CustomFieldExtractor struct {
	FieldName string
}

// Extract implements Extractor.
func (e CustomFieldExtractor) Extract(task clickup.Task) []string {
	for _, f := range task.CustomFields {
		if !strings.EqualFold(strings.TrimSpace(f.Name), strings.TrimSpace(e.FieldName)) {
			continue
		}
		var ids []string
		for _, part := range strings.Split(f.StringValue(), ",") {
			if part = strings.TrimSpace(part); part != "" {
				ids = append(ids, part)
			}
		}
		return ids
	}
	return nil
}

// Thread ids are hex API ids, alphanumeric permanent ids or email_<millis>.
// The marker's closing underscore is not part of the id.
var threadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:\*\*Thread ID:\*\*|_Thread ID:|Thread ID:)\s*([A-Za-z0-9_:-]+?)_?(?:[\s*.,;)]|$)`),
	regexp.MustCompile(`threadId=([A-Za-z0-9_-]+)`),
	regexp.MustCompile(`mail\.google\.com/mail/u/\d+/#[a-z]+/([A-Za-z0-9_-]+)`),
}

// PatternExtractor scans the description and then the text content. The
// first pattern that matches decides the result.
type PatternExtractor struct{}

// Extract implements Extractor.
func (PatternExtractor) Extract(task clickup.Task) []string {
	for _, re := range threadPatterns {
		for _, text := range []string{task.Description, task.TextContent} {
			if text == "" {
				continue
			}
			if ids := matchAll(re, text); len(ids) > 0 {
				return ids
			}
		}
	}
	return nil
}

func matchAll(re *regexp.Regexp, text string) []string {
	var ids []string
	seen := map[string]bool{}
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if id := m[1]; !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// ThreadMarker is the line written into task descriptions and comments so
// the pattern extractor can find the thread later.
func ThreadMarker(threadID string) string {
	return "_Thread ID: " + threadID + "_"
}

// GmailURL links to a thread in the first Gmail account.
func GmailURL(threadID string) string {
	return "https://mail.google.com/mail/u/0/#inbox/" + threadID
}
