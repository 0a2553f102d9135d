// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package supervisor

import (
	"regexp"
	"strings"
)

// Per-frame progress output that would otherwise flood the log.
var noisyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*frame=\s*\d+`),
	regexp.MustCompile(`^\s*size=\s*\S+\s+time=`),
	regexp.MustCompile(`speed=\s*[\d.]+x\s*$`),
	regexp.MustCompile(`^\s*Last message repeated \d+ times`),
	regexp.MustCompile(`Past duration [\d.]+ too large`),
	regexp.MustCompile(`Non-monotonous DTS in output stream`),
}

// noisy reports whether a stderr line should be dropped before logging.
func noisy(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	for _, re := range noisyPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
