package vendorapi

import "fmt"

// AuthError signals that the vendor rejected or cannot be issued our
// credentials. The pipeline reacts by pausing all dispatch until an
// operator reauthenticates.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "vendor authentication failed: " + e.Reason
}

// StatusError is a non-success HTTP response from the vendor, carrying the
// numeric code so callers can route 403/404/429/5xx differently.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vendor returned status %d for %s", e.Code, e.URL)
}
