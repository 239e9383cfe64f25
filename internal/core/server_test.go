package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	srv, err := NewServer(testConfig(), discardLogger())
	require.NoError(t, err)
	assert.NotNil(t, srv.Validator)
	assert.NotNil(t, srv.Router())
	assert.Equal(t, srv.Router(), srv.Handler(), "handler is the bare router until routes are mounted")

	_, err = NewServer(nil, discardLogger())
	assert.Error(t, err)

	_, err = NewServer(testConfig(), nil)
	assert.Error(t, err)
}

func TestServer_ShutdownRunsAllHooks(t *testing.T) {
	srv := newTestServer(t)

	var order []string
	srv.OnShutdown(func(context.Context) error {
		order = append(order, "first")
		return errors.New("first failed")
	})
	srv.OnShutdown(func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	err := srv.Shutdown(context.Background())

	assert.ErrorContains(t, err, "first failed")
	assert.Equal(t, []string{"first", "second"}, order)
}
