package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestHealth(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	s := NewServer(lis)
	go func() { _ = s.Serve() }()
	defer s.Stop()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	c, cc, err := DialTarget("passthrough:///bufnet", grpc.WithContextDialer(dialer))
	require.NoError(t, err)
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := Check(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)

	s.SetServing(true)
	ok, err = Check(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)

	s.SetServing(false)
	ok, err = Check(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)
}
