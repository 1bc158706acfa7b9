package channels

import (
	"unicode/utf8"

	"github.com/basket/go-autopilot/internal/config"
)

// TruncationMarker is appended to text cut to fit a platform limit.
const TruncationMarker = "\n\n… (truncated)"

const fallbackLimit = 4000

// LimitFor returns the message length cap for platform, falling back to
// the "default" entry and then a built-in cap.
func LimitFor(limits map[string]int, platform string) int {
	if limits == nil {
		limits = config.DefaultPlatformLimits
	}
	if n := limits[platform]; n > 0 {
		return n
	}
	if n := limits["default"]; n > 0 {
		return n
	}
	return fallbackLimit
}

// Truncate cuts text to limit characters including the marker.
func Truncate(text string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return text
	}
	markerLen := utf8.RuneCountInString(TruncationMarker)
	if limit <= markerLen {
		return string([]rune(text)[:limit])
	}
	return string([]rune(text)[:limit-markerLen]) + TruncationMarker
}
