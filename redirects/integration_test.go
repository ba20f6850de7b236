//go:build integration

package redirects

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a PostgreSQL container and returns its URL and a handle
func setupTestDB(t *testing.T) (string, *sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	databaseURL := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}

	return databaseURL, db, cleanup
}

func TestPostgresRuleStoreBeforeMigration(t *testing.T) {
	_, db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresRuleStore(db)

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll() without table should not fail: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("GetAll() without table returned %d rules", len(all))
	}
	if _, err := store.GetByID(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() without table error = %v, want ErrNotFound", err)
	}
	if err := store.Insert(ctx, testRule(ProtocolHTTP, "old.example.com", 80)); !errors.Is(err, ErrPersistence) {
		t.Errorf("Insert() without table error = %v, want ErrPersistence", err)
	}
}

func TestPostgresRuleStoreCRUD(t *testing.T) {
	databaseURL, db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := Migrate(databaseURL); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	// Second run is a no-op
	if err := Migrate(databaseURL); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}

	ctx := context.Background()
	store := NewPostgresRuleStore(db)

	rule := testRule(ProtocolHTTP, "old.example.com", 80)
	rule.KeepPath = true
	rule.OutboundPath = "/landing"
	rule.Created = time.Now().UTC().Truncate(time.Microsecond)
	rule.Updated = rule.Created

	if err := store.Insert(ctx, rule); err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}
	if rule.ID == 0 {
		t.Fatal("Insert() should assign an id")
	}

	got, err := store.GetByID(ctx, rule.ID)
	if err != nil {
		t.Fatalf("GetByID() failed: %v", err)
	}
	if got.UniqueID != rule.UniqueID || got.OutboundPath != "/landing" || !got.KeepPath || !got.Created.Equal(rule.Created) {
		t.Errorf("GetByID() = %+v, want %+v", got, rule)
	}

	if _, err := store.GetByUniqueID(ctx, rule.UniqueID); err != nil {
		t.Errorf("GetByUniqueID() failed: %v", err)
	}
	if _, err := store.GetByUniqueID(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByUniqueID() unknown error = %v, want ErrNotFound", err)
	}
	if _, err := store.GetByInbound(ctx, ProtocolHTTP, "old.example.com", 80); err != nil {
		t.Errorf("GetByInbound() failed: %v", err)
	}

	if err := store.Insert(ctx, testRule(ProtocolHTTP, "old.example.com", 80)); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate Insert() error = %v, want ErrConflict", err)
	}

	rule.OutboundHost = "other.example.com"
	rule.StatusCode = 302
	if err := store.Update(ctx, rule); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	got, _ = store.GetByID(ctx, rule.ID)
	if got.OutboundHost != "other.example.com" || got.StatusCode != 302 {
		t.Errorf("Update() not persisted: %+v", got)
	}

	all, err := store.GetAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("GetAll() = %d rules, %v", len(all), err)
	}

	if err := store.Delete(ctx, rule); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := store.Delete(ctx, rule); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
	if err := store.Update(ctx, rule); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() of deleted rule error = %v, want ErrNotFound", err)
	}
}

func TestPostgresServiceEndToEnd(t *testing.T) {
	databaseURL, db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := Migrate(databaseURL); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	ctx := context.Background()
	store := NewPostgresRuleStore(db)
	cache := NewRuleCache(store, DefaultCacheConfig())
	svc := NewService(store, cache, nil)
	resolver := NewResolver(cache, ResolverOptions{})

	rule, err := svc.Add(ctx, AddRuleInput{
		InboundProtocol:  "http",
		InboundHost:      "Old.Example.com",
		OutboundProtocol: "https",
		OutboundHost:     "new.example.com",
		KeepPath:         true,
	}, "test")
	if err != nil {
		t.Fatalf("Add() failed: %v", err)
	}

	redirect, ok, err := resolver.Resolve(ctx, "http", "old.example.com", 80, "/a/b")
	if err != nil || !ok {
		t.Fatalf("Resolve() = %v, %v", ok, err)
	}
	if redirect.Location != "https://new.example.com/a/b" || redirect.StatusCode != 301 {
		t.Errorf("Resolve() = %q %d", redirect.Location, redirect.StatusCode)
	}

	if _, err := svc.Add(ctx, AddRuleInput{InboundProtocol: "http", InboundHost: "old.example.com", InboundPort: 8080, OutboundProtocol: "https", OutboundHost: "new.example.com"}, "test"); err != nil {
		t.Errorf("Add() on another port failed: %v", err)
	}
	if _, err := svc.Add(ctx, AddRuleInput{InboundProtocol: "http", InboundHost: "old.example.com", OutboundProtocol: "https", OutboundHost: "x.example.com"}, "test"); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate Add() error = %v, want ErrConflict", err)
	}

	if err := svc.Delete(ctx, rule, "test"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, ok, _ := resolver.Resolve(ctx, "http", "old.example.com", 80, "/a/b"); ok {
		t.Error("deleted rule should not resolve")
	}
}
