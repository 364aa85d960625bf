// Package ssh reaches conductor hosts over SSH. Commands run in exec
// sessions and file contents move over SFTP; System adapts both to the
// providers' host abstraction.
package ssh

import (
	"time"
)

// ConnectionInfo describes an open connection to a conductor.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time

	// ViaProxy is set when the connection goes through a jump host.
	ViaProxy bool
}

// TransportError wraps a failure to reach or talk to a conductor. Op names
// the step that failed, e.g. connect, exec or sftp.
type TransportError struct {
	Op  string
	Err error

	// IsTemporary marks failures a later attempt may get past, such as
	// a refused or timed out dial.
	IsTemporary bool

	// IsAuthError marks rejected credentials and unusable keys.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return "ssh " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
