package ia

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestErrorMessage(t *testing.T) {
	err := &RequestError{Op: "upload bucket/key", StatusCode: 503, Body: "Please reduce your request rate."}
	assert.Contains(t, err.Error(), "upload bucket/key")
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "reduce your request rate")
}

func TestRequestErrorMessageTruncatesBody(t *testing.T) {
	err := &RequestError{Op: "upload", StatusCode: 500, Body: strings.Repeat("x", 5000)}
	assert.Less(t, len(err.Error()), 300)
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "slow down response",
			err:  &RequestError{StatusCode: 503, Body: "<Message>Please reduce your request rate.</Message>"},
			want: true,
		},
		{
			name: "wrapped slow down response",
			err:  fmt.Errorf("upload: %w", &RequestError{StatusCode: 503, Body: "Please reduce your request rate."}),
			want: true,
		},
		{
			name: "plain 503",
			err:  &RequestError{StatusCode: 503, Body: "Service Unavailable"},
			want: false,
		},
		{
			name: "not a request error",
			err:  errors.New("Please reduce your request rate"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimited(tt.err))
		})
	}
}

func TestIsBucketRace(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{
			name: "shared namespace",
			body: "The bucket namespace is shared by all users of the system.",
			want: true,
		},
		{
			name: "bucket lock",
			body: "Failed to get necessary short term bucket lock",
			want: true,
		},
		{
			name: "auto make bucket",
			body: "auto_make_bucket requested on a bucket that is mid-creation",
			want: true,
		},
		{
			name: "availability check",
			body: "Checking for identifier availability... identifier is not_available",
			want: true,
		},
		{
			name: "availability check without verdict",
			body: "Checking for identifier availability... ok",
			want: false,
		},
		{
			name: "unrelated error",
			body: "We encountered an internal error. Please try again.",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &RequestError{StatusCode: 409, Body: tt.body}
			assert.Equal(t, tt.want, IsBucketRace(err))
		})
	}

	assert.False(t, IsBucketRace(nil))
	assert.False(t, IsBucketRace(errors.New("The bucket namespace is shared")))
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "url error",
			err:  &url.Error{Op: "Get", URL: "http://example.org", Err: errors.New("connection refused")},
			want: true,
		},
		{
			name: "wrapped url error",
			err:  fmt.Errorf("get item: request failed: %w", &url.Error{Op: "Get", URL: "x", Err: errors.New("reset")}),
			want: true,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: true,
		},
		{
			name: "cancellation is not a connection error",
			err:  context.Canceled,
			want: false,
		},
		{
			name: "request error",
			err:  &RequestError{StatusCode: 500, Body: "boom"},
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}
