package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/minio"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/facadeworks/elevsync/internal/db"
	"github.com/facadeworks/elevsync/internal/storage"
)

const (
	testBucket   = "elevsync-test"
	minioUser    = "minioadmin"
	minioSecret  = "minioadmin"
	postgresUser = "elevsync"
)

// mirrorTables are emptied between tests, leaves first.
var mirrorTables = []string{
	"glass_specifications",
	"elevations",
	"phases",
	"projects",
	"folders",
	"sync_runs",
}

// TestEnvironment is a migrated PostgreSQL mirror plus a MinIO bucket, both
// in containers that are torn down with the test.
type TestEnvironment struct {
	DB      *db.DB
	DSN     string
	Storage *storage.S3Storage
}

// SetupTestEnvironment starts both containers, applies migrations and
// creates the bucket. Callers skip it under -short.
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	ctx := context.Background()

	dsn := startPostgres(ctx, t)
	if err := db.Migrate(dsn); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	database, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Logf("Warning: failed to close database: %v", err)
		}
	})

	objects := startMinio(ctx, t)

	return &TestEnvironment{DB: database, DSN: dsn, Storage: objects}
}

func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	t.Log("Starting PostgreSQL container...")

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("elevsync_test"),
		postgres.WithUsername(postgresUser),
		postgres.WithPassword(postgresUser),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	terminateOnCleanup(t, "postgres", container)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get postgres connection string: %v", err)
	}
	return dsn
}

func startMinio(ctx context.Context, t *testing.T) *storage.S3Storage {
	t.Helper()
	t.Log("Starting MinIO container...")

	container, err := minio.Run(ctx,
		"minio/minio:latest",
		minio.WithUsername(minioUser),
		minio.WithPassword(minioSecret),
	)
	terminateOnCleanup(t, "minio", container)
	if err != nil {
		t.Fatalf("Failed to start minio container: %v", err)
	}

	endpoint, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get minio endpoint: %v", err)
	}

	// MinIO accepts connections before it serves bucket calls.
	ready := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 10)
	if err := backoff.Retry(func() error { return ensureBucket(ctx, endpoint) }, ready); err != nil {
		t.Fatalf("MinIO never became ready: %v", err)
	}

	objects, err := storage.NewS3Storage(storage.S3Config{
		Endpoint:        endpoint,
		AccessKeyID:     minioUser,
		SecretAccessKey: minioSecret,
		BucketName:      testBucket,
	})
	if err != nil {
		t.Fatalf("Failed to create S3 storage: %v", err)
	}
	return objects
}

func ensureBucket(ctx context.Context, endpoint string) error {
	client, err := miniogo.New(endpoint, &miniogo.Options{
		Creds: credentials.NewStaticV4(minioUser, minioSecret, ""),
	})
	if err != nil {
		return backoff.Permanent(err)
	}
	exists, err := client.BucketExists(ctx, testBucket)
	if err != nil || exists {
		return err
	}
	return client.MakeBucket(ctx, testBucket, miniogo.MakeBucketOptions{})
}

func terminateOnCleanup(t *testing.T, name string, c testcontainers.Container) {
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(c); err != nil {
			t.Logf("Warning: failed to terminate %s container: %v", name, err)
		}
	})
}

// CleanDB empties every mirror table and resets identities.
func (e *TestEnvironment) CleanDB(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, table := range mirrorTables {
		if _, err := e.DB.Exec(ctx, "TRUNCATE TABLE "+table+" RESTART IDENTITY CASCADE"); err != nil {
			t.Fatalf("Failed to truncate table %s: %v", table, err)
		}
	}
}
