package prices

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("btc", "coingecko", "request failed", cause)

	assert.Equal(t, "transient error for btc: request failed (connection refused)", err.Error())
	assert.Equal(t, "request failed (connection refused)", err.Detail())
	assert.ErrorIs(t, err, cause)
}

func TestFetchErrorWithoutCause(t *testing.T) {
	err := NewQuotaError("MSTR", "alphavantage", "quota of 5 per 1m0s exhausted")

	assert.Equal(t, "quota error for MSTR: quota of 5 per 1m0s exhausted", err.Error())
	assert.Equal(t, "quota of 5 per 1m0s exhausted", err.Detail())
	assert.Nil(t, err.Unwrap())
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", NewTransientError("btc", "coingecko", "HTTP 500", nil), true},
		{"configuration", NewConfigError("MSTR", "alphavantage", "API key not set"), false},
		{"quota", NewQuotaError("MSTR", "alphavantage", "exhausted"), false},
		{"exhausted", NewExhaustedError("btc", "coingecko", 5, errors.New("x")), false},
		{"unclassified", errors.New("some upstream hiccup"), true},
		{"wrapped transient", fmt.Errorf("fetch: %w", NewTransientError("btc", "coingecko", "HTTP 502", nil)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retriable(tt.err))
		})
	}
}

func TestExhaustedKeepsRootCause(t *testing.T) {
	root := errors.New("dial tcp: i/o timeout")
	last := NewTransientError("STRK", "alphavantage", "request failed", root)
	err := NewExhaustedError("STRK", "alphavantage", 5, last)

	require.ErrorIs(t, err, root)
	assert.Contains(t, err.Detail(), "gave up after 5 attempts")
	assert.Contains(t, err.Detail(), "i/o timeout")
}

func TestErrDetailFallsBackToErrorString(t *testing.T) {
	assert.Equal(t, "plain failure", ErrDetail(errors.New("plain failure")))
}
