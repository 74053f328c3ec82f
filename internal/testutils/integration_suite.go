package testutils

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"localrag/apps/backend/internal/config"
	"localrag/apps/backend/internal/store/sqlstore"
)

// IntegrationSuite starts the backing services in containers. Each Start
// method is independent so tests only pay for what they use.
type IntegrationSuite struct {
	T *testing.T

	Store        *sqlstore.Store
	DSN          string
	Weaviate     *weaviate.Client
	WeaviateHost string
	NSQDAddr     string

	containers []testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	return &IntegrationSuite{T: t}
}

// Setup starts every service.
func (s *IntegrationSuite) Setup() {
	s.StartPostgres()
	s.StartWeaviate()
	s.StartNSQ()
}

// StartPostgres runs Postgres and applies the embedded migrations.
func (s *IntegrationSuite) StartPostgres() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("localrag_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.containers = append(s.containers, pgContainer)

	s.DSN, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.Store, err = sqlstore.OpenPostgres(s.DSN)
	require.NoError(s.T, err)
	require.NoError(s.T, s.Store.Ping(ctx))
	require.NoError(s.T, s.Store.Migrate())
}

func (s *IntegrationSuite) StartWeaviate() {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "semitechnologies/weaviate:1.33.6",
		ExposedPorts: []string{"8080/tcp", "50051/tcp"},
		Env: map[string]string{
			"AUTHENTICATION_ANONYMOUS_ACCESS_ENABLED": "true",
			"DEFAULT_VECTORIZER_MODULE":               "none",
			"PERSISTENCE_DATA_PATH":                   "/var/lib/weaviate",
		},
		WaitingFor: wait.ForHTTP("/v1/meta").WithPort("8080/tcp").WithStartupTimeout(60 * time.Second),
	}
	weaviateC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.containers = append(s.containers, weaviateC)

	host, err := weaviateC.Host(ctx)
	require.NoError(s.T, err)
	port, err := weaviateC.MappedPort(ctx, "8080")
	require.NoError(s.T, err)

	s.WeaviateHost = fmt.Sprintf("%s:%s", host, port.Port())
	s.Weaviate, err = weaviate.NewClient(weaviate.Config{Host: s.WeaviateHost, Scheme: "http"})
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) StartNSQ() {
	ctx := context.Background()

	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.containers = append(s.containers, nsqC)

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	nsqPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)
	s.NSQDAddr = fmt.Sprintf("%s:%s", nsqHost, nsqPort.Port())
}

// GetAppConfig returns a validated config pointing at whatever services
// have been started; the rest stay disabled.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	cfg := &config.Config{
		DBDriver:                   config.DBDriverSQLite,
		DBPath:                     s.T.TempDir() + "/localrag.db",
		SnapshotBackend:            config.SnapshotSQL,
		WeaviateScheme:             "http",
		LocalEmbedderDim:           64,
		DocumentsDir:               s.T.TempDir(),
		ChunkSize:                  200,
		ChunkOverlap:               20,
		ChunkStrategy:              "fixed",
		TopK:                       3,
		CacheSize:                  100,
		CacheShards:                4,
		CacheTTL:                   time.Hour,
		WorkerConcurrency:          2,
		VisibilityTimeout:          5 * time.Second,
		HeartbeatInterval:          time.Second,
		PollInterval:               50 * time.Millisecond,
		MaxPollInterval:            200 * time.Millisecond,
		ReapInterval:               time.Second,
		MaxAttempts:                3,
		TaskTimeout:                time.Minute,
		QueryLogPath:               s.T.TempDir() + "/query.log",
		BootstrapRetryAttempts:     5,
		BootstrapRetryDelaySeconds: 1,
	}
	if s.DSN != "" {
		cfg.DBDriver = config.DBDriverPostgres
		cfg.DBDSN = s.DSN
	}
	if s.WeaviateHost != "" {
		cfg.SnapshotBackend = config.SnapshotWeaviate
		cfg.WeaviateHost = s.WeaviateHost
	}
	cfg.NSQDHost = s.NSQDAddr
	return cfg
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.Store != nil {
		_ = s.Store.Close()
	}
	for i := len(s.containers) - 1; i >= 0; i-- {
		if err := s.containers[i].Terminate(ctx); err != nil {
			s.T.Logf("terminate container: %v", err)
		}
	}
}
