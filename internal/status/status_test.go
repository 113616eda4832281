package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
)

func dialHealth(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient(s.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func TestServer_ReportsCaptureState(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Start("127.0.0.1:0"))
	defer s.Stop()
	c := dialHealth(t, s)

	st, err := check(t, c, Service)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	s.SetCapturing(true)
	st, err = check(t, c, Service)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	s.SetCapturing(false)
	st, err = check(t, c, Service)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)

	// The process itself is always reported as serving.
	st, err = check(t, c, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
}

func TestServer_UnknownService(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Start("127.0.0.1:0"))
	defer s.Stop()

	_, err := check(t, dialHealth(t, s), "udprx.Nope")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))
}

func TestServer_StartErrors(t *testing.T) {
	s := New(nil)
	assert.Nil(t, s.Addr())
	assert.Error(t, s.Start("256.0.0.1:bad"))
	s.Stop()
}
