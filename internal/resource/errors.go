package resource

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingSource is returned when Resolve is called without a URL.
	ErrMissingSource = errors.New("no source URL configured")

	// ErrFetchFailed matches every *FetchError.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrReleased is returned by a Session after Release.
	ErrReleased = errors.New("session released")
)

// FetchError reports a failed network stage. Status is zero when the
// request never produced a response.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: upstream status %d", e.URL, e.Status)
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
