package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessErrorIs(t *testing.T) {
	err := Contract("show_update_offers", "old sku %s required", "x")
	assert.True(t, errors.Is(err, ErrContract))
	assert.False(t, errors.Is(err, ErrProtocol))
	assert.True(t, IsContract(err))
	assert.Equal(t, "show_update_offers: old sku x required", err.Error())

	wrapped := fmt.Errorf("outer: %w", Protocol("decode", ErrInvalidInput))
	assert.True(t, errors.Is(wrapped, ErrProtocol))
	assert.True(t, errors.Is(wrapped, ErrInvalidInput), "wrapped error chain is searched")
}

func TestIsAbort(t *testing.T) {
	assert.False(t, IsAbort(nil))
	assert.True(t, IsAbort(ErrAborted))
	assert.True(t, IsAbort(fmt.Errorf("surface closed: %w", ErrAborted)))
	assert.False(t, IsAbort(ErrTransport))
}

func TestValidationErrors(t *testing.T) {
	var v ValidationErrors
	require.True(t, v.OK())
	require.NoError(t, v.Err("init"))

	v.Add("granted", "must be a boolean")
	v.Add("grantReason", "%q is not a valid grant reason", "BOGUS")

	assert.False(t, v.OK())
	assert.True(t, v.Has("grantReason"))
	assert.Equal(t, []string{"granted", "grantReason"}, v.Fields())
	assert.Equal(t, `granted: must be a boolean; grantReason: "BOGUS" is not a valid grant reason`, v.Error())

	err := v.Err("init")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	var got ValidationErrors
	require.True(t, errors.As(err, &got))
	assert.Len(t, got, 2)
}
