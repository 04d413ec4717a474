package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Dial connects to a local engine's health service.
func Dial(port int, opts ...grpc.DialOption) (healthpb.HealthClient, *grpc.ClientConn, error) {
	return DialTarget(fmt.Sprintf("localhost:%d", port), opts...)
}

func DialTarget(target string, opts ...grpc.DialOption) (healthpb.HealthClient, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, err
	}
	return healthpb.NewHealthClient(cc), cc, nil
}

// Check reports whether the pipeline service is SERVING.
func Check(ctx context.Context, c healthpb.HealthClient) (bool, error) {
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
