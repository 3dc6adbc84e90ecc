package nats

import (
	"context"
	"fmt"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RunContainer starts a JetStream enabled NATS server in Docker and
// returns its URL and the function removing it.
func RunContainer(ctx context.Context) (url string, terminate func() error, err error) {
	c, err := testcontainers.Run(
		ctx, "nats:latest",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start nats container: %w", err)
	}
	terminate = func() error { return testcontainers.TerminateContainer(c) }

	ip, err := c.ContainerIP(ctx)
	if err != nil {
		_ = terminate()
		return "", nil, fmt.Errorf("nats container ip: %w", err)
	}
	return fmt.Sprintf("nats://%s:4222", ip), terminate, nil
}

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer runs a container for the duration of t and connects
// to it.
func NewTestContainer(t Testing) Connector {
	url, terminate, err := RunContainer(t.Context())
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := terminate(); err != nil {
			t.Errorf("terminate nats container: %v", err)
		}
	})
	t.Logf("nats: %s", url)
	return ConnectURL(url, WithName("test"))
}
