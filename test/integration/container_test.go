package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const defaultPostgresImage = "postgres:16-alpine"

// startPostgresContainer runs a throwaway postgres through the docker CLI
// and returns its connection string and a cleanup func. POSTGRES_IMAGE
// overrides the image.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	image := os.Getenv("POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}

	out, err := docker(ctx, "run", "-d", "--rm",
		"--label", "clinic-integration-test",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=clinic",
		"-e", "POSTGRES_PASSWORD=clinic",
		"-e", "POSTGRES_DB=clinic_test",
		image,
	)
	if err != nil {
		return "", nil, err
	}
	containerID := out
	cleanup := func() {
		_, _ = docker(context.Background(), "rm", "-f", containerID)
	}

	// "docker port" prints one mapping per line, e.g. 127.0.0.1:49153.
	mapped, err := docker(ctx, "port", containerID, "5432/tcp")
	if err != nil {
		cleanup()
		return "", nil, err
	}
	hostPort := strings.TrimSpace(strings.SplitN(mapped, "\n", 2)[0])

	connStr := fmt.Sprintf("postgres://clinic:clinic@%s/clinic_test?sslmode=disable", hostPort)
	if err := waitForPostgres(ctx, connStr, 30*time.Second); err != nil {
		cleanup()
		return "", nil, err
	}
	return connStr, cleanup, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// waitForPostgres polls until the server answers a query. The entrypoint
// restarts postgres once after init, so a single successful connect is not
// enough; the query must succeed twice in a row.
func waitForPostgres(ctx context.Context, connStr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	streak := 0
	var lastErr error
	for time.Now().Before(deadline) {
		if err := pingPostgres(ctx, connStr); err != nil {
			streak, lastErr = 0, err
		} else if streak++; streak == 2 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("postgres not ready after %v: %v", timeout, lastErr)
}

func pingPostgres(ctx context.Context, connStr string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	var one int
	return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
}
