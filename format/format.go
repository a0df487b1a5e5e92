package format

import (
	"fmt"
	"math"
	"time"
)

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
)

// HumanBytes formats a payload size, e.g. the encoded latents of a response.
func HumanBytes(b int64) string {
	switch {
	case b >= GigaByte:
		return fmt.Sprintf("%.1f GB", float64(b)/GigaByte)
	case b >= MegaByte:
		return fmt.Sprintf("%.1f MB", float64(b)/MegaByte)
	case b >= KiloByte:
		return fmt.Sprintf("%.1f KB", float64(b)/KiloByte)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// HumanDuration formats a sampling duration: milliseconds below a second,
// tenths of a second below a minute, whole seconds above.
func HumanDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}

	seconds := int(math.Round(d.Seconds()))
	if seconds%60 == 0 {
		return fmt.Sprintf("%dm", seconds/60)
	}

	return fmt.Sprintf("%dm%ds", seconds/60, seconds%60)
}

// Rate formats a throughput such as denoising steps per second.
func Rate(n int, d time.Duration, unit string) string {
	if d <= 0 {
		return "-"
	}

	return fmt.Sprintf("%.2f %s/s", float64(n)/d.Seconds(), unit)
}
