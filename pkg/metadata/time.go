package metadata

import "time"

// Timespec is a timestamp with seconds and nanoseconds, stored as-is in
// records so that values round trip bit-for-bit.
type Timespec struct {
	// Sec is seconds since the Unix epoch
	Sec int64

	// Nsec is the nanoseconds component (0-999999999)
	Nsec int64
}

// Now returns the current wall-clock time as a Timespec.
func Now() Timespec {
	return FromTime(time.Now())
}

// FromTime converts a time.Time.
func FromTime(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Time converts back to a time.Time.
func (t Timespec) Time() time.Time {
	return time.Unix(t.Sec, t.Nsec)
}

// After reports whether t is strictly later than other.
func (t Timespec) After(other Timespec) bool {
	if t.Sec != other.Sec {
		return t.Sec > other.Sec
	}
	return t.Nsec > other.Nsec
}

// IsZero reports whether t is the zero timestamp.
func (t Timespec) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}
