package goerr_test

import (
	"errors"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/basket/go-claw/internal/goerr"
)

func TestIs_MatchesWrappedKind(t *testing.T) {
	err := goerr.Wrap(goerr.KindTransientUpstream, "store blip", errors.New("dial tcp: timeout"))
	assert.Assert(t, goerr.Is(err, goerr.KindTransientUpstream))
	assert.Assert(t, !goerr.Is(err, goerr.KindFatal))
}

func TestIs_FalseForPlainError(t *testing.T) {
	assert.Assert(t, !goerr.Is(errors.New("plain"), goerr.KindFatal))
}

func TestKindOf_DefaultsToFatalForUnclassifiedError(t *testing.T) {
	assert.Equal(t, goerr.KindOf(errors.New("plain")), goerr.KindFatal)
	assert.Equal(t, goerr.KindOf(goerr.New(goerr.KindResourceNotFound, "missing")), goerr.KindResourceNotFound)
}

func TestUnwrap_ExposesCauseToErrorsIs(t *testing.T) {
	cause := errors.New("underlying")
	err := goerr.Wrap(goerr.KindFatal, "context", cause)
	assert.Assert(t, errors.Is(err, cause))
}

func TestRetryable(t *testing.T) {
	assert.Assert(t, goerr.KindTransientUpstream.Retryable())
	assert.Assert(t, !goerr.KindValidationFailed.Retryable())
}
