package service

import "time"

// utcNow matches the precision the store keeps so values read back compare equal.
func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
