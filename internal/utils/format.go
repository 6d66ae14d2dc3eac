package utils

import (
	"fmt"
	"time"

	"tunnelrpc/internal/constants"
)

func FormatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60

	if hours == 0 {
		if minutes == 0 {
			return fmt.Sprintf("%d seconds", int(d.Seconds()))
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	if minutes == 0 {
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	if hours == 1 {
		return fmt.Sprintf("1 hour %d minutes", minutes)
	}
	return fmt.Sprintf("%d hours %d minutes", hours, minutes)
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatLog returns the one-line summary the client prints per tunneled
// connection. ok selects the marker.
func FormatLog(ok bool, dialect string, target string, detail string) string {
	marker := constants.ColorGreen + "✓" + constants.ColorReset
	if !ok {
		marker = constants.ColorRed + "✗" + constants.ColorReset
	}

	return fmt.Sprintf("  %s %s[%s]%s %s %s%s%s\n",
		marker,
		constants.ColorDim,
		time.Now().Format(constants.TimeFormatShort),
		constants.ColorReset,
		dialect,
		target,
		formatDetail(detail),
		constants.ColorReset,
	)
}

func formatDetail(detail string) string {
	if detail == "" {
		return ""
	}
	return " " + constants.ColorDim + detail
}
