package timeutil

import (
	"log/slog"
	"sync"
	"time"
)

// MaxDelay is the longest single wait a timer is allowed to carry. It
// matches the signed 32-bit millisecond horizon so that configured delays
// behave identically across every runtime the daemon talks to.
const MaxDelay = time.Duration(1<<31-1) * time.Millisecond

// WarnClamp is called the first time a delay is clamped.
var WarnClamp = func(orig, clamped time.Duration) {
	slog.Warn("timer delay clamped",
		"requested", orig.String(),
		"clamped", clamped.String())
}

var warnOnce sync.Once

// ClampDelay bounds d to [0, MaxDelay] and reports whether it was clamped
// from above. The first upward clamp of the process emits a warning.
func ClampDelay(d time.Duration) (time.Duration, bool) {
	if d < 0 {
		return 0, false
	}
	if d <= MaxDelay {
		return d, false
	}

	warnOnce.Do(func() { WarnClamp(d, MaxDelay) })
	return MaxDelay, true
}
