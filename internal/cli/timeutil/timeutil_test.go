package timeutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "seconds only", input: "42s", want: "42s"},
		{name: "minutes", input: "3m5s", want: "3m 5s"},
		{name: "hours", input: "2h0m9s", want: "2h 0m 9s"},
		{name: "days", input: "73h30m15s", want: "3d 1h 30m 15s"},
		{name: "unparseable passes through", input: "soon", want: "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUptime(tt.input))
		})
	}
}

func TestFormatTimePassthrough(t *testing.T) {
	assert.Equal(t, "not-a-time", FormatTime("not-a-time"))
}

func TestFormatTimeParses(t *testing.T) {
	got := FormatTime("2026-08-26T10:30:00Z")
	assert.NotEqual(t, "2026-08-26T10:30:00Z", got)
	assert.Contains(t, got, "2026")
}
