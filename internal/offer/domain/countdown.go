package domain

import "time"

// RemainingSeconds is the whole number of seconds left before the offer
// expires, never negative.
func RemainingSeconds(o Offer, now time.Time) int {
	left := o.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}
