// Package postgrestest starts migrated Postgres containers for tests.
package postgrestest

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/pipetrack/internal/postgresprovision"
)

// Setup starts a Postgres container and applies the migrations.
// teardown terminates the container.
func Setup(ctx context.Context) (connectionString string, teardown func() error, err error) {
	const (
		user     = "postgres"
		password = "postgres"
		database = "postgres"
	)

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "postgres:17",
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	teardown = func() error {
		if c == nil {
			return nil
		}
		return c.Terminate(context.Background())
	}
	if err != nil {
		return "", teardown, fmt.Errorf("postgrestest: %w", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5432/tcp"), "")
	if err != nil {
		return "", teardown, fmt.Errorf("postgrestest: %w", err)
	}

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     endpoint,
		Path:     database,
		RawQuery: "sslmode=disable",
	}
	connectionString = u.String()

	if err = postgresprovision.Setup(connectionString); err != nil {
		return "", teardown, fmt.Errorf("postgrestest: %w", err)
	}

	return connectionString, teardown, nil
}
