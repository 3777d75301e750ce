package monitor

import "fmt"

// NetworkError covers connection-level failures (DNS, refused, reset).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError means the fetch exceeded its deadline.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout fetching %s: %v", e.URL, e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPError is a non-2xx response that is not an anti-automation block.
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string { return fmt.Sprintf("http %d fetching %s", e.Status, e.URL) }

// BlockedError means the target answered with an anti-automation challenge
// (403/429 or a challenge marker in the body). It is not retried; the
// pipeline may fall back to a rendered fetch instead.
type BlockedError struct {
	URL    string
	Status int
	Marker string
}

func (e *BlockedError) Error() string {
	if e.Marker != "" {
		return fmt.Sprintf("blocked fetching %s (status %d, marker %q)", e.URL, e.Status, e.Marker)
	}
	return fmt.Sprintf("blocked fetching %s (status %d)", e.URL, e.Status)
}

// ParseError means fetched content could not be interpreted.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error for %s: %v", e.URL, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError means a snapshot commit failed; the preceding state
// change must not be treated as durable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigError rejects invalid task registrations (bad interval, bad URL).
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }
