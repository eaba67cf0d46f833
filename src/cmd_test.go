package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagArg(t *testing.T) {
	assert.Equal(t, "", tagArg([]string{"GET", "key"}, 2))
	assert.Equal(t, "users", tagArg([]string{"GET", "key", "users"}, 2))
}

func TestTTLArg(t *testing.T) {
	d, err := ttlArg("1.5")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = ttlArg("0")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)

	_, err = ttlArg("abc")
	assert.Error(t, err)
}
