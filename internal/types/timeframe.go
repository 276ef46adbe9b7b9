package types

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeTimeframe canonicalizes a user-facing timeframe into the upstream
// convention: minutes as decimal integers ("60" for 1h, "240" for 4h) and
// letter codes for day/week/month ("D", "W", "M"; a multi-unit day stays
// "3D"). Accepted inputs: "5", "60", "5m", "1h", "4h", "1D", "3D", "D",
// "W", "1W", "M", "1M", "30s".
func NormalizeTimeframe(tf string) (string, error) {
	tf = strings.TrimSpace(tf)
	if tf == "" {
		return "", fmt.Errorf("empty timeframe")
	}

	// Already canonical minute count.
	if n, err := strconv.Atoi(tf); err == nil {
		if n <= 0 {
			return "", fmt.Errorf("invalid timeframe %q", tf)
		}
		return tf, nil
	}

	unit := tf[len(tf)-1:]
	count := 1
	if head := tf[:len(tf)-1]; head != "" {
		n, err := strconv.Atoi(head)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid timeframe %q", tf)
		}
		count = n
	}

	switch unit {
	case "s", "S":
		if count == 1 {
			return "1S", nil
		}
		return strconv.Itoa(count) + "S", nil
	case "m":
		return strconv.Itoa(count), nil
	case "h", "H":
		return strconv.Itoa(count * 60), nil
	case "d", "D":
		if count == 1 {
			return "D", nil
		}
		return strconv.Itoa(count) + "D", nil
	case "w", "W":
		if count == 1 {
			return "W", nil
		}
		return strconv.Itoa(count) + "W", nil
	case "M":
		if count == 1 {
			return "M", nil
		}
		return strconv.Itoa(count) + "M", nil
	}
	return "", fmt.Errorf("unknown timeframe unit %q", unit)
}

// TimeframeSeconds returns the interval length in seconds for bar-alignment
// checks. Day/week/month use calendar-free nominal lengths.
func TimeframeSeconds(canonical string) int64 {
	if n, err := strconv.Atoi(canonical); err == nil {
		return int64(n) * 60
	}
	count := int64(1)
	unit := canonical
	if len(canonical) > 1 {
		if n, err := strconv.Atoi(canonical[:len(canonical)-1]); err == nil {
			count = int64(n)
			unit = canonical[len(canonical)-1:]
		}
	}
	switch unit {
	case "S":
		return count
	case "D":
		return count * 86400
	case "W":
		return count * 7 * 86400
	case "M":
		return count * 30 * 86400
	}
	return 60
}
