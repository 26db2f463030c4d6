package ia

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// RequestError is a non-success answer from the archive. The body is kept
// (truncated) because the service signals distinct failure modes through
// message text rather than status codes.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: archive returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: archive returned %d: %s", e.Op, e.StatusCode, body)
}

// rate limiting is reported as 503 Slow Down with this phrase in the body.
const rateLimitPhrase = "Please reduce your request rate"

// bucketRacePhrases mark the failure modes of two concurrent uploads
// racing to create the same new item. The loser's attempt is safe to
// retry as soon as the winner's creation settles.
var bucketRacePhrases = []string{
	"The bucket namespace is shared",
	"Failed to get necessary short term bucket lock",
	"auto_make_bucket requested",
}

// IsRateLimited reports whether err is the archive's slow-down response.
func IsRateLimited(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && strings.Contains(re.Body, rateLimitPhrase)
}

// IsBucketRace reports whether err is a concurrent item-creation race.
func IsBucketRace(err error) bool {
	var re *RequestError
	if !errors.As(err, &re) {
		return false
	}
	for _, phrase := range bucketRacePhrases {
		if strings.Contains(re.Body, phrase) {
			return true
		}
	}
	return strings.Contains(re.Body, "Checking for identifier availability...") &&
		strings.Contains(re.Body, "not_available")
}

// IsConnectionError reports whether err is a transport-level failure
// (dial, reset, timeout) rather than an answer from the service. Context
// cancellation is not a connection error: a cancelled task must not be
// retried as if the network had hiccuped.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
