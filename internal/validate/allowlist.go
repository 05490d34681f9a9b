package validate

import (
	"fmt"
	"regexp"
	"strings"
)

type Allowlist []*regexp.Regexp

// CompileAllowlist compiles the configured URL patterns, requiring each
// one to be anchored with "^" and end with "/" so that a pattern cannot
// accidentally admit look-alike hosts (e.g. evil.com/https://good.com).
func CompileAllowlist(patterns []string) (Allowlist, error) {
	var allowlist Allowlist

	for _, pattern := range patterns {
		if !strings.HasPrefix(pattern, "^") || !strings.HasSuffix(pattern, "/") {
			return nil, fmt.Errorf("allowed pattern %q needs to be anchored with \"^\" "+
				"and end with \"/\"", pattern)
		}

		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile allowed pattern %q: %w", pattern, err)
		}

		allowlist = append(allowlist, re)
	}

	return allowlist, nil
}

func (allowlist Allowlist) Allows(url string) bool {
	for _, re := range allowlist {
		if re.MatchString(url) {
			return true
		}
	}

	return false
}
