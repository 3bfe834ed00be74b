package incident

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchErrorMatchesKindAndCause(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("fetch feed: %w", &FetchError{Kind: ErrNetwork, Attempts: 2, Err: context.Canceled})

	require.ErrorIs(t, err, ErrNetwork)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrServer)

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.True(t, fetchErr.Retryable())
	require.Contains(t, err.Error(), "after 2 attempt(s)")
}

func TestFetchErrorRetryable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind error
		want bool
	}{
		{ErrNetwork, true},
		{ErrServer, true},
		{ErrClient, false},
		{ErrValidation, false},
	}
	for _, tc := range cases {
		err := &FetchError{Kind: tc.kind, StatusCode: 404}
		require.Equal(t, tc.want, err.Retryable(), tc.kind.Error())
	}
}

func TestCloneDetachesSharedState(t *testing.T) {
	t.Parallel()

	inc := Incident{ID: "F1", Units: []string{"E1"}, Raw: []byte(`{"id":"F1"}`)}
	cp := inc.Clone()
	cp.Units[0] = "L9"
	cp.Raw[0] = '['

	require.Equal(t, "E1", inc.Units[0])
	require.Equal(t, byte('{'), inc.Raw[0])
}
