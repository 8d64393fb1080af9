package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs the identity store contract against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("facegate_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	s, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer s.Close(ctx)

	// Running migrations a second time must be a no-op
	again, err := New(ctx, connStr)
	if err != nil {
		t.Fatalf("Re-running migrations failed: %v", err)
	}
	again.Close(ctx)

	vec := make([]float64, types.EmbeddingDim)
	vec[0] = 0.5
	vec[127] = -0.25

	id, err := s.Insert(ctx, types.Identity{ExternalCode: "E-100", DisplayName: "Grace Hopper", Embedding: vec, PhotoPath: "/photos/e100.jpg"}, 0)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if id <= 0 {
		t.Errorf("Expected positive ID, got %d", id)
	}

	noFace, err := s.Insert(ctx, types.Identity{ExternalCode: "E-101", DisplayName: "No Face"}, 3)
	if err != nil {
		t.Fatalf("Insert without embedding failed: %v", err)
	}

	if _, err := s.Insert(ctx, types.Identity{ExternalCode: "E-100", DisplayName: "Dup"}, 0); !errors.Is(err, ErrIdentityConflict) {
		t.Errorf("Expected ErrIdentityConflict, got %v", err)
	}

	got, err := s.FetchByID(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("FetchByID failed: %v", err)
	}
	if len(got.Embedding) != types.EmbeddingDim {
		t.Fatalf("Expected embedding of length %d, got %d", types.EmbeddingDim, len(got.Embedding))
	}
	if math.Abs(got.Embedding[0]-0.5) > 1e-6 || math.Abs(got.Embedding[127]+0.25) > 1e-6 {
		t.Errorf("Embedding values changed in storage: %v, %v", got.Embedding[0], got.Embedding[127])
	}

	blank, err := s.FetchByID(ctx, noFace)
	if err != nil || blank == nil {
		t.Fatalf("FetchByID failed: %v", err)
	}
	if blank.Embedding != nil {
		t.Errorf("Expected nil embedding for identity without a face")
	}

	if err := s.RecordMatch(ctx, id, 0.61, MatchKindSuccess); err != nil {
		t.Fatalf("RecordMatch failed: %v", err)
	}
	if n, err := s.MatchCount(ctx, id); err != nil || n != 1 {
		t.Errorf("Expected 1 recorded match, got %d (%v)", n, err)
	}

	if err := s.SoftDelete(ctx, noFace); err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	active, err := s.FetchAll(ctx, true)
	if err != nil {
		t.Fatalf("FetchAll failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != id {
		t.Errorf("Expected only identity %d to be active, got %+v", id, active)
	}
	all, _ := s.FetchAll(ctx, false)
	if len(all) != 2 {
		t.Errorf("Expected soft-deleted rows to be kept, got %d rows", len(all))
	}

	if err := s.Rename(ctx, id, "Rear Admiral Hopper"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := s.SoftDelete(ctx, 99999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
