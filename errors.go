package acm

import "fmt"

// ErrNoServerAvailable is returned when every server pool member has failed
// transport or returned 5xx within a single call.
type ErrNoServerAvailable struct {
	Op string
}

func (e *ErrNoServerAvailable) Error() string {
	return fmt.Sprintf("acm: no server available for %s", e.Op)
}

// ErrConfigNotFound names the "absent" outcome of a get. Get does not return
// it: when the control plane reports 404, Get returns (nil, nil), keeping
// absence distinct from empty content - see configPath.Get's doc comment.
var ErrConfigNotFound = fmt.Errorf("acm: config not found")

// HTTPError is a non-2xx, non-retryable response from the control plane
// (any 4xx other than what a given operation special-cases, e.g. 404).
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("acm: http status %d: %s", e.Status, e.Body)
}

// EncryptionError wraps a failure from the KMS encrypt oracle.
type EncryptionError struct {
	Key Key
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("acm: encrypt %s/%s/%s: %s", e.Key.Tenant, e.Key.Group, e.Key.DataID, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// DecryptionError wraps a failure from the KMS decrypt oracle.
type DecryptionError struct {
	Key Key
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("acm: decrypt %s/%s/%s: %s", e.Key.Tenant, e.Key.Group, e.Key.DataID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }
