package agent

import (
	"fmt"
	"time"
)

// FormatAge renders d with floor division at each unit. Days do not carry
// into larger units and negative durations render as zero.
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	const day = 24 * time.Hour

	days := d / day
	d -= days * day
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	return fmt.Sprintf("%d days, %d hours, %d minutes, %d seconds", days, hours, minutes, seconds)
}
