package kv

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func TestConvertUpdateError(t *testing.T) {
	t.Run("WrongLastSequenceBecomesSequenceMismatch", func(t *testing.T) {
		apiErr := &jetstream.APIError{
			ErrorCode:   jetstream.JSErrCodeStreamWrongLastSequence,
			Description: "wrong last sequence: 41",
		}

		err := convertUpdateError(fmt.Errorf("nats: %w", apiErr))
		assert.ErrorIs(t, err, ErrSequenceMismatch)
	})

	t.Run("KeyExistsBecomesSequenceMismatch", func(t *testing.T) {
		err := convertUpdateError(jetstream.ErrKeyExists)
		assert.ErrorIs(t, err, ErrSequenceMismatch)
	})

	t.Run("KeyNotFoundMapped", func(t *testing.T) {
		err := convertUpdateError(jetstream.ErrKeyNotFound)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("OtherErrorsPassThrough", func(t *testing.T) {
		cause := errors.New("connection lost")
		err := convertUpdateError(cause)
		assert.ErrorIs(t, err, cause)
		assert.NotErrorIs(t, err, ErrSequenceMismatch)
	})

	t.Run("UnrelatedAPIErrorPassesThrough", func(t *testing.T) {
		apiErr := &jetstream.APIError{
			ErrorCode:   jetstream.JSErrCodeStreamNotFound,
			Description: "stream not found",
		}

		err := convertUpdateError(apiErr)
		assert.NotErrorIs(t, err, ErrSequenceMismatch)
		assert.NotErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestOpString(t *testing.T) {
	assert.Equal(t, "put", OpPut.String())
	assert.Equal(t, "purge", OpPurge.String())
	assert.Equal(t, "unknown", Op(42).String())
}
