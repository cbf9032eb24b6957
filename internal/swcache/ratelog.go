package swcache

import (
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger prints at most once per interval and reports how many
// messages were swallowed in between.
type rateLimitedLogger struct {
	every      rate.Sometimes
	suppressed atomic.Uint64
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{every: rate.Sometimes{First: 1, Interval: interval}}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	printed := false
	l.every.Do(func() {
		printed = true
		if n := l.suppressed.Swap(0); n > 0 {
			log.Printf(format+" (%d similar suppressed)", append(args, n)...)
			return
		}
		log.Printf(format, args...)
	})
	if !printed {
		l.suppressed.Add(1)
	}
}
