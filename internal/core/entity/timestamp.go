package entity

import "time"

// TimestampGenerator supplies the value written to created_at / last_updated_at / deleted_at.
// The session calls it once per insert or update.
type TimestampGenerator interface {
	Next() time.Time
}

// SystemClock returns the current UTC time at PostgreSQL (microsecond) precision.
type SystemClock struct{}

func (SystemClock) Next() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// ClockFunc adapts a function to TimestampGenerator.
type ClockFunc func() time.Time

func (f ClockFunc) Next() time.Time { return f() }
