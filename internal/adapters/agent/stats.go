package agent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/stokkr/foreman/internal/core"
)

// Agent CLIs print a free-text summary at the end of a run. The format
// drifts between versions, so parsing is best-effort: extract what
// matches, report whether anything did.
var (
	tokensInRe  = regexp.MustCompile(`(?i)\b(?:input|prompt)\s+tokens?\s*[:=]?\s*([\d,]+)`)
	tokensOutRe = regexp.MustCompile(`(?i)\b(?:output|completion)\s+tokens?\s*[:=]?\s*([\d,]+)`)
	tokensAltRe = regexp.MustCompile(`(?i)\btokens?\s+used\s*[:=]?\s*([\d,]+)`)
	linesRe     = regexp.MustCompile(`(?i)\blines?\s+changed\s*[:=]?\s*([\d,]+)`)
)

// ParseStats scans agent output for usage figures. The second return is
// false when nothing recognizable was found.
func ParseStats(text string) (core.InvokeStats, bool) {
	var stats core.InvokeStats
	found := false

	if n, ok := firstNumber(tokensInRe, text); ok {
		stats.TokensIn = n
		found = true
	}
	if n, ok := firstNumber(tokensOutRe, text); ok {
		stats.TokensOut = n
		found = true
	}
	// Some agents report only a combined total; treat it as output.
	if stats.TokensIn == 0 && stats.TokensOut == 0 {
		if n, ok := firstNumber(tokensAltRe, text); ok {
			stats.TokensOut = n
			found = true
		}
	}
	if n, ok := firstNumber(linesRe, text); ok {
		stats.LinesChanged = n
		found = true
	}

	return stats, found
}

func firstNumber(re *regexp.Regexp, text string) (int, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	raw := strings.ReplaceAll(m[len(m)-1], ",", "")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
