package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

var errSample = E(KindResource, "INSUFFICIENT_LIQUIDITY", "pool holds less than requested")

func TestIsMatchesByCode(t *testing.T) {
	require.ErrorIs(t, errSample, errSample)
	// Explain changes the message but keeps identity.
	require.ErrorIs(t, errSample.Explain("pool holds %d, need %d", 5, 10), errSample)
	// Wrapping in plain fmt chains still matches.
	require.ErrorIs(t, fmt.Errorf("settle: %w", errSample), errSample)

	other := E(KindResource, "SLIPPAGE_EXCEEDED", "below floor")
	require.NotErrorIs(t, other, errSample)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("driver: connection reset")
	err := errSample.Wrap(cause)
	require.ErrorIs(t, err, errSample)
	require.Equal(t, cause, Unwrap(err))
	require.Contains(t, err.Error(), "connection reset")
	// The original sentinel is untouched.
	require.Nil(t, Unwrap(errSample))
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, "INSUFFICIENT_LIQUIDITY", CodeOf(errSample))
	require.Equal(t, "INSUFFICIENT_LIQUIDITY", CodeOf(fmt.Errorf("wrapped: %w", errSample)))
	require.Equal(t, "INTERNAL", CodeOf(fmt.Errorf("plain failure")))
}

func TestHTTPStatusByKind(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:    http.StatusBadRequest,
		KindAuthorization: http.StatusForbidden,
		KindConsistency:   http.StatusConflict,
		KindResource:      http.StatusUnprocessableEntity,
		KindNotFound:      http.StatusNotFound,
		KindTerminal:      http.StatusInternalServerError,
	}
	for kind, want := range cases {
		require.Equal(t, want, HTTPStatus(E(kind, "X", "x")), string(kind))
	}
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("plain")))
}
