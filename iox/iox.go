// Package iox holds helpers for releasing I/O resources.
package iox

import (
	"errors"
	"io"
)

// DiscardClose closes c and drops the error, for defers where a failed
// close leaves nothing to do:
//
//	defer iox.DiscardClose(conn)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DrainClose discards up to limit unread bytes of rc, then closes it.
func DrainClose(rc io.ReadCloser, limit int64) {
	_, _ = io.CopyN(io.Discard, rc, limit)
	_ = rc.Close()
}

// CloseAll closes each non-nil closer in order and joins their errors.
func CloseAll(cs ...io.Closer) error {
	var errs []error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
