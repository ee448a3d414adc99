package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindRateLimited, KindOf(RateLimited("slow down")))
	assert.Equal(t, KindRateLimited, KindOf(fmt.Errorf("wrapped: %w", RateLimited("slow down"))))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("boom")))
}

func TestIs_MatchesOnKind(t *testing.T) {
	err := fmt.Errorf("ctx: %w", GatewayTimeout("too slow", nil))
	assert.True(t, stderrors.Is(err, GatewayTimeout("", nil)))
	assert.False(t, stderrors.Is(err, GatewayError("", nil)))
}

func TestUnwrap_ExposesCause(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := GatewayError("unavailable", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "slow down", MessageOf(RateLimited("slow down")))
	assert.Equal(t, "something went wrong while preparing a hint", MessageOf(stderrors.New("boom")))
}

func TestCounted(t *testing.T) {
	for _, k := range []Kind{KindGatewayTimeout, KindGatewayError, KindInternal} {
		assert.True(t, k.Counted(), k)
	}
	for _, k := range []Kind{KindValidation, KindAuth, KindTierDenied, KindRateLimited} {
		assert.False(t, k.Counted(), k)
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, KindRateLimited.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindTierDenied.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Kind("other").HTTPStatus())
}
