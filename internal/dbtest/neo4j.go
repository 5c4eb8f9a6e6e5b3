package dbtest

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-connections/nat"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jtest "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

// Neo4jImage is the image of the Neo4j container. Node key constraints need
// the enterprise edition.
const Neo4jImage = "docker.io/neo4j:5-enterprise"

// neo4jBrowser is the port of the Neo4j browser.
const neo4jBrowser = nat.Port("7474/tcp")

// SetupNeo4j starts a Neo4j container without authentication and returns a
// driver connected to it. The test is skipped in short mode, and marked
// parallel otherwise. Both the container and the driver are closed when the
// test completes.
func SetupNeo4j(t *testing.T) neo4j.DriverWithContext {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container-based test in short mode...")
	}
	t.Parallel()
	ctx := context.Background()

	container, err := neo4jtest.Run(ctx, Neo4jImage, containerOptions(t,
		neo4jtest.WithoutAuthentication(),
		neo4jtest.WithAcceptCommercialLicenseAgreement(),
	)...)
	if err != nil {
		t.Fatal("Failed to run neo4j container:", err)
	}
	t.Cleanup(func() {
		t.Logf("Terminating neo4j container %q...", container.GetContainerID())
		if err := container.Terminate(ctx); err != nil {
			t.Error("Failed to terminate neo4j container:", err)
		}
	})

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatal("Failed to get bolt url:", err)
	}
	browser, err := container.PortEndpoint(ctx, neo4jBrowser, "http")
	if err != nil {
		t.Fatal("Failed to get browser endpoint:", err)
	}

	driver, err := neo4j.NewDriverWithContext(boltURL, neo4j.NoAuth())
	if err != nil {
		t.Fatal("Failed to open neo4j driver:", err)
	}
	t.Cleanup(func() {
		if err := driver.Close(ctx); err != nil {
			t.Error("Failed to close neo4j driver:", err)
		}
	})
	if err := verifyConnectivity(t, ctx, driver); err != nil {
		t.Fatal("Failed to connect to the neo4j server:", err)
	}

	// Registered last, so it runs before the container is terminated.
	t.Cleanup(func() {
		if !t.Failed() || !*Inspect {
			return
		}
		t.Logf("Container %v is still running for inspection (Ctrl+C to terminate)...", container.GetContainerID())
		t.Logf("Browser = %s/browser?preselectAuthMethod=%s&dbms=%s", browser, url.QueryEscape("[NO_AUTH]"), url.QueryEscape(boltURL))
		t.Logf("Bolt URL = %s", boltURL)
		waitForInterrupt()
	})
	return driver
}

// verifyConnectivity retries the connectivity check for a short while, because
// the container may report ready before Neo4j accepts Bolt connections.
func verifyConnectivity(t *testing.T, ctx context.Context, driver neo4j.DriverWithContext) error {
	t.Helper()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	return backoff.RetryNotify(func() error {
		return driver.VerifyConnectivity(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		t.Logf("Retrying in %v after failing to connect to the neo4j server: %v", wait, err)
	})
}
