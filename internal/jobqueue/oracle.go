package jobqueue

import (
	"context"
	"time"

	"github.com/BTreeMap/Postbox/internal/sleeper"
)

// Connectivity reports whether the messaging service is reachable.
type Connectivity interface {
	IsOnline() bool
	// WaitForOnline blocks until the service is reachable, timeout elapses
	// (returning an error) or ctx ends.
	WaitForOnline(ctx context.Context, timeout time.Duration) error
}

// LinkState reports whether this device is currently linked to an account.
type LinkState interface {
	IsDeviceLinked() bool
}

// Readiness is the local storage startup barrier.
type Readiness interface {
	OnReady(fn func())
	Wait(ctx context.Context) error
}

// Sleeper is a cancellable sleep that ends early on shutdown.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration, reason string, opts ...sleeper.SleepOption) error
}
