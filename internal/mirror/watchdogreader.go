package mirror

import (
	"io"
	"time"
)

// watchdogReader aborts a stream whose producer stops making progress:
// every Read() call rearms the timer once it returns, and if it fires the
// abort callback cancels the underlying request, which surfaces as a
// read error on the next call.
type watchdogReader struct {
	inner   io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdogReader(inner io.Reader, timeout time.Duration, abort func()) *watchdogReader {
	return &watchdogReader{
		inner:   inner,
		timer:   time.AfterFunc(timeout, abort),
		timeout: timeout,
	}
}

func (reader *watchdogReader) Read(p []byte) (int, error) {
	n, err := reader.inner.Read(p)

	reader.timer.Reset(reader.timeout)

	return n, err
}

func (reader *watchdogReader) Stop() {
	reader.timer.Stop()
}
