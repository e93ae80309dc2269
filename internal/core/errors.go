package core

import "errors"

var (
	// ErrAuthRejected means the cookie was refused; no retry can fix it.
	ErrAuthRejected = errors.New("spotify cookie rejected")
	// ErrTransientDecode means a reachable endpoint answered with an undecodable body.
	ErrTransientDecode = errors.New("malformed response")
	// ErrTransientNetwork means the endpoint could not be reached.
	ErrTransientNetwork = errors.New("network failure")
	// ErrPlaylistFull is the capacity signal that triggers playlist rollover.
	ErrPlaylistFull = errors.New("playlist size limit reached")
	// ErrNotAuthenticated is returned before the first token has been obtained.
	ErrNotAuthenticated = errors.New("client not authenticated")
)

// IsTransient reports whether err is worth another attempt on the next cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientDecode) || errors.Is(err, ErrTransientNetwork)
}
