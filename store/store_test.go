package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLite(t *testing.T) {
	b, err := Open(context.Background(), Config{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	defer b.Close()

	assert.NoError(t, b.Ping(context.Background()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"})
	assert.ErrorContains(t, err, `unknown store driver "mongo"`)
}
