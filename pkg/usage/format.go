package usage

import (
	"fmt"
	"strconv"
	"strings"
)

// HumanCount prints small counts exactly and large ones with a K/M suffix.
func HumanCount(n int) string {
	switch {
	case n >= 1_000_000:
		return trimDecimal(float64(n)/1_000_000) + "M"
	case n >= 10_000:
		return trimDecimal(float64(n)/1_000) + "K"
	}
	return GroupedInt(n)
}

// HumanBytes formats a byte size using binary units.
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	value := float64(n) / unit
	for _, suffix := range []string{"KiB", "MiB"} {
		if value < unit {
			return trimDecimal(value) + " " + suffix
		}
		value /= unit
	}
	return trimDecimal(value) + " GiB"
}

// GroupedInt formats integers with comma separators.
func GroupedInt(n int) string {
	digits := strconv.Itoa(n)
	sign := ""
	if n < 0 {
		sign, digits = "-", digits[1:]
	}

	groups := make([]string, 0, len(digits)/3+1)
	for len(digits) > 3 {
		groups = append([]string{digits[len(digits)-3:]}, groups...)
		digits = digits[:len(digits)-3]
	}
	groups = append([]string{digits}, groups...)
	return sign + strings.Join(groups, ",")
}

// Summary renders an aggregate as a single line.
func Summary(agg Aggregate) string {
	line := fmt.Sprintf("%s messages (%s in, %s out), %s chars, %s images",
		GroupedInt(agg.Messages),
		GroupedInt(agg.Inbound),
		GroupedInt(agg.Outbound),
		HumanCount(agg.Chars),
		GroupedInt(agg.Images),
	)
	if agg.Failed > 0 {
		line += fmt.Sprintf(", %s failed", GroupedInt(agg.Failed))
	}
	return line
}

func trimDecimal(v float64) string {
	return strings.TrimSuffix(strconv.FormatFloat(v, 'f', 1, 64), ".0")
}
