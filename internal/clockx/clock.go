// Package clockx provides an injectable time source so that renewal
// scheduling can be tested without sleeping.
//
// Production code receives Real(); tests use Fake, whose time only moves
// when Advance is called. AfterFunc callbacks registered on a Fake run
// synchronously inside Advance, in deadline order.
package clockx

import "time"

// Clock is the subset of the time package the client relies on.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from happening. It reports false when the
	// call already ran or was stopped before.
	Stop() bool
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
