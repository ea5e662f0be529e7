//go:build !linux

package pipeio

// SetBufferSize is a documented no-op outside Linux: there is no portable
// pipe buffer size hint, and callers that need a guaranteed minimum buffer
// must chunk their own I/O instead.
func SetBufferSize(writeEnd int, bytes int) error {
	return nil
}
