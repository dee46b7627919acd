package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func TestIsWrongRevision(t *testing.T) {
	casFailure := &jetstream.APIError{
		ErrorCode:   jetstream.JSErrCodeStreamWrongLastSequence,
		Description: "wrong last sequence: 12",
	}

	assert.True(t, isWrongRevision(casFailure))
	assert.True(t, isWrongRevision(fmt.Errorf("kv update key: %w", casFailure)))

	otherAPI := &jetstream.APIError{ErrorCode: jetstream.JSErrCodeStreamNotFound}
	assert.False(t, isWrongRevision(otherAPI))
	assert.False(t, isWrongRevision(errors.New("wrong last sequence: 12")))
	assert.False(t, isWrongRevision(nil))
}
