package recordcache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseTTL parses human-style durations. On top of the standard "300ms",
// "2h45m" forms it accepts day ("3d") and week ("2w") suffixes.
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if n, unit, ok := splitUnit(s); ok {
		switch unit {
		case "d":
			return time.Duration(n * float64(24*time.Hour)), nil
		case "w":
			return time.Duration(n * float64(7*24*time.Hour)), nil
		}
	}
	return time.ParseDuration(s)
}

func splitUnit(s string) (float64, string, bool) {
	i := len(s)
	for i > 0 && !isDigit(s[i-1]) && s[i-1] != '.' {
		i--
	}
	if i == 0 || i == len(s) {
		return 0, "", false
	}
	n, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, "", false
	}
	return n, s[i:], true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
