// Package system provides the wall clock used by the pool.
package system

import "time"

// Clock reads the real time and hands out real tickers.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Ticker returns a channel firing every d and a func that stops it.
func (Clock) Ticker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}
