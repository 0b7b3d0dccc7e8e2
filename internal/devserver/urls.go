package devserver

import (
	"regexp"
	"strings"
)

// ansiEscape matches the color and cursor sequences dev tools wrap around
// their startup banners.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// urlPatterns is ordered: an explicit host:port URL beats any labeled form,
// and within the labeled forms the more specific label wins. The first match
// across the ordered list is the server's URL.
var urlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://[A-Za-z0-9.\-]+:[0-9]+[^\s"']*`),
	regexp.MustCompile(`(?i)Local:\s*(https?://[^\s"']+)`),
	regexp.MustCompile(`(?i)ready on\s*(https?://[^\s"']+)`),
	regexp.MustCompile(`(?i)listening on\s*(https?://[^\s"']+)`),
	regexp.MustCompile(`(?i)Server running at\s*(https?://[^\s"']+)`),
	regexp.MustCompile(`(?i)running at\s*(https?://[^\s"']+)`),
}

// DetectURL extracts the serving URL from one line of server output.
func DetectURL(line string) (string, bool) {
	cleaned := ansiEscape.ReplaceAllString(line, "")
	for _, pattern := range urlPatterns {
		match := pattern.FindStringSubmatch(cleaned)
		if match == nil {
			continue
		}
		url := match[0]
		if len(match) > 1 && match[1] != "" {
			url = match[1]
		}
		url = strings.TrimRight(url, ".,;)")
		if url != "" {
			return url, true
		}
	}
	return "", false
}
