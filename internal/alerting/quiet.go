package alerting

// QuietHoursDisabled is the conventional sentinel for "no quiet hours".
const QuietHoursDisabled = -1

// QuietHours is a per-owner window of hours during which notifications are withheld.
// Any bound outside 0-23 disables the window.
type QuietHours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// NoQuietHours returns a disabled window.
func NoQuietHours() QuietHours {
	return QuietHours{Start: QuietHoursDisabled, End: QuietHoursDisabled}
}

// Enabled reports whether both bounds are valid hours.
func (q QuietHours) Enabled() bool {
	return validHour(q.Start) && validHour(q.End)
}

// Contains reports whether hour falls inside the window.
func (q QuietHours) Contains(hour int) bool {
	return IsQuietHour(q.Start, q.End, hour)
}

// IsQuietHour evaluates a possibly midnight-wrapping window [start, end).
func IsQuietHour(start, end, hour int) bool {
	if !validHour(start) || !validHour(end) {
		return false
	}
	if start <= end {
		return start <= hour && hour < end
	}
	return hour >= start || hour < end
}

func validHour(h int) bool {
	return h >= 0 && h <= 23
}
