package browser

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCDPPort(t *testing.T) {
	assert.NoError(t, ValidateCDPPort(9222))

	for _, port := range []int{0, -1, 70000} {
		err := ValidateCDPPort(port)
		var be *BrowserError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, ErrCodeConfiguration, be.Code)
	}
}

func TestListPagesInvalidPort(t *testing.T) {
	inspector := NewInspector(zerolog.Nop())

	_, err := inspector.ListPages(context.Background(), 0)
	var be *BrowserError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrCodeConfiguration, be.Code)
}

func TestWaitForCDPTimeout(t *testing.T) {
	// Reserve a port and close it so nothing is listening.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	inspector := NewInspector(zerolog.Nop())
	inspector.waitTimeout = 300 * time.Millisecond

	_, err = inspector.Screenshot(context.Background(), port, "")
	var be *BrowserError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, ErrCodeTimeout, be.Code)
}

func TestWaitForCDPCancelled(t *testing.T) {
	inspector := NewInspector(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := inspector.waitForCDP(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(1)))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWaitForCDPReady(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	inspector := NewInspector(zerolog.Nop())
	assert.NoError(t, inspector.waitForCDP(context.Background(), l.Addr().String()))
}
