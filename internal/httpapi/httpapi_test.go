package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litefuse/litefuse/internal/dbhandle"
	"github.com/litefuse/litefuse/internal/queryservice"
	"github.com/litefuse/litefuse/internal/rlsstore"
	"github.com/litefuse/litefuse/internal/schema"
)

func newTestApp(t *testing.T) (*fiber.App, *rlsstore.Store) {
	t.Helper()
	db, err := dbhandle.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.DB().Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, age INTEGER);
		CREATE TABLE posts (
			id INTEGER PRIMARY KEY,
			title TEXT NOT NULL,
			author_id INTEGER NOT NULL REFERENCES users(id),
			published INTEGER NOT NULL DEFAULT 0
		);
		INSERT INTO users (id, name, age) VALUES (1, 'Alice', 35), (2, 'Bob', 28), (3, 'Carol', 42);
		INSERT INTO posts (id, title, author_id, published) VALUES
			(1, 'first', 1, 1),
			(2, 'draft', 1, 0),
			(3, 'second', 2, 1);
	`)
	require.NoError(t, err)

	ctx := context.Background()
	store, err := rlsstore.New(ctx, db.DB())
	require.NoError(t, err)
	sch, err := schema.Build(ctx, db.DB())
	require.NoError(t, err)

	svc := queryservice.New(db, sch, store)
	api := New(svc, store, []byte("test-secret"))

	app := fiber.New()
	api.Register(app)
	return app, store
}

func getJSON(t *testing.T, app *fiber.App, url string) (int, []map[string]any) {
	t.Helper()
	req := httptest.NewRequest("GET", url, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode >= 400 {
		return resp.StatusCode, nil
	}
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(body, &rows))
	return resp.StatusCode, rows
}

func TestGetByEqFilter(t *testing.T) {
	app, _ := newTestApp(t)
	status, rows := getJSON(t, app, "/users?id=eq.2")
	require.Equal(t, fiber.StatusOK, status)
	require.Len(t, rows, 1)
	assert.EqualValues(t, "Bob", rows[0]["name"])
}

func TestGetOrderedAndLimited(t *testing.T) {
	app, _ := newTestApp(t)
	status, rows := getJSON(t, app, "/users?age=gte.30&order=age.desc&limit=2")
	require.Equal(t, fiber.StatusOK, status)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 42, rows[0]["age"])
	assert.EqualValues(t, 35, rows[1]["age"])
}

func TestGetWithEmbeddedAuthor(t *testing.T) {
	app, _ := newTestApp(t)
	status, rows := getJSON(t, app, "/posts?select=id,title,author:users(name)&id=eq.1")
	require.Equal(t, fiber.StatusOK, status)
	require.Len(t, rows, 1)

	// The embedded object arrives as a JSON text column from SQLite.
	author, ok := rows[0]["author"].(string)
	require.True(t, ok)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(author), &decoded))
	assert.Equal(t, "Alice", decoded["name"])
}

func TestGetUnsupportedOperatorIs400(t *testing.T) {
	app, _ := newTestApp(t)
	req := httptest.NewRequest("GET", "/posts?title=fts.foo", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "full-text search")
}

func TestGetHiddenTableIs404(t *testing.T) {
	app, _ := newTestApp(t)
	status, _ := getJSON(t, app, "/_rls_policies")
	require.Equal(t, fiber.StatusNotFound, status)
}

func TestRLSFiltersAnonToPublishedRows(t *testing.T) {
	app, store := newTestApp(t)
	ctx := context.Background()
	require.NoError(t, store.EnableRLS(ctx, "posts"))
	require.NoError(t, store.CreatePolicy(ctx, rlsstore.Policy{
		Name: "anon_read", Table: "posts", Command: rlsstore.CommandSelect, Role: rlsstore.RoleAnon,
		Using: "published = 1",
	}))

	status, rows := getJSON(t, app, "/posts?order=id.asc")
	require.Equal(t, fiber.StatusOK, status)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0]["id"])
	assert.EqualValues(t, 3, rows[1]["id"])
}

func TestInsertAndDeleteRoundTrip(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest("POST", "/users", strings.NewReader(`{"id": 9, "name": "Dave", "age": 20}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	status, rows := getJSON(t, app, "/users?id=eq.9")
	require.Equal(t, fiber.StatusOK, status)
	require.Len(t, rows, 1)

	req = httptest.NewRequest("DELETE", "/users?id=eq.9", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	status, rows = getJSON(t, app, "/users?id=eq.9")
	require.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, rows)
}

func TestHealth(t *testing.T) {
	app, _ := newTestApp(t)
	req := httptest.NewRequest("GET", "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestRequestIDIsEchoed(t *testing.T) {
	app, _ := newTestApp(t)
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "abc-123", resp.Header.Get("X-Request-Id"))
}
