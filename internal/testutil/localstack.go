package testutil

import (
	"context"
	"fmt"
	"github.com/cirruslabs/cloudmirror/internal/blob/s3"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"os"
	"testing"
)

// Localstack spins up a LocalStack container and returns an S3 config
// pointing at it. Tests depending on it are skipped unless
// CLOUDMIRROR_INTEGRATION is set, since they need a Docker daemon.
func Localstack(t *testing.T) *s3.Config {
	t.Helper()

	if os.Getenv("CLOUDMIRROR_INTEGRATION") == "" {
		t.Skip("set CLOUDMIRROR_INTEGRATION to run tests that need a Docker daemon")
	}

	ctx := context.Background()

	localstackContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "localstack/localstack",
			WaitingFor:   wait.ForHTTP("/_localstack/health").WithPort("4566/tcp"),
			ExposedPorts: []string{"4566/tcp"},
		},
		Started: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = localstackContainer.Terminate(ctx)
	})

	exposedPort, err := nat.NewPort("tcp", "4566")
	require.NoError(t, err)

	mappedPort, err := localstackContainer.MappedPort(ctx, exposedPort)
	require.NoError(t, err)

	return &s3.Config{
		Endpoint:        fmt.Sprintf("http://127.0.0.1:%d", mappedPort.Int()),
		Region:          "us-east-1",
		Bucket:          "cloud-mirror-us-east-1",
		AccessKeyID:     "key-id",
		AccessKeySecret: "key-secret",
		LifespanDays:    1,
	}
}
