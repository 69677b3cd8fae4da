package rlsddl

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litefuse/litefuse/internal/rlsstore"

	_ "modernc.org/sqlite"
)

func TestParseStatement_EnableDisableRLS(t *testing.T) {
	stmt, err := ParseStatement(`ALTER TABLE posts ENABLE ROW LEVEL SECURITY;`)
	require.NoError(t, err)
	assert.Equal(t, KindEnableRLS, stmt.Kind)
	assert.Equal(t, "posts", stmt.Table)

	stmt, err = ParseStatement(`ALTER TABLE posts DISABLE ROW LEVEL SECURITY;`)
	require.NoError(t, err)
	assert.Equal(t, KindDisableRLS, stmt.Kind)
}

func TestParseStatement_CreatePolicy(t *testing.T) {
	stmt, err := ParseStatement(`
		CREATE POLICY own_rows ON posts
		FOR SELECT TO anon
		USING (published = 1 AND user_id = auth.uid());
	`)
	require.NoError(t, err)
	assert.Equal(t, KindCreatePolicy, stmt.Kind)
	assert.Equal(t, "posts", stmt.Table)
	assert.Equal(t, "own_rows", stmt.Policy.Name)
	assert.Equal(t, rlsstore.CommandSelect, stmt.Policy.Command)
	assert.Equal(t, "anon", stmt.Policy.Role)
	assert.False(t, stmt.Policy.Restrictive)

	// The USING body survives as SQL text, auth.uid() intact: substitution
	// happens per request, not at DDL time.
	assert.Contains(t, stmt.Policy.Using, "published = 1")
	assert.Contains(t, stmt.Policy.Using, "auth.uid()")
	assert.Empty(t, stmt.Policy.WithCheck)
}

func TestParseStatement_CreatePolicyWithCheck(t *testing.T) {
	stmt, err := ParseStatement(`
		CREATE POLICY insert_own ON posts
		FOR INSERT
		WITH CHECK (user_id = auth.uid());
	`)
	require.NoError(t, err)
	assert.Equal(t, rlsstore.CommandInsert, stmt.Policy.Command)
	assert.Equal(t, rlsstore.RolePublic, stmt.Policy.Role)
	assert.Empty(t, stmt.Policy.Using)
	assert.Contains(t, stmt.Policy.WithCheck, "auth.uid()")
}

func TestParseStatement_CreatePolicyDefaultsToAll(t *testing.T) {
	stmt, err := ParseStatement(`CREATE POLICY p ON t USING (true);`)
	require.NoError(t, err)
	assert.Equal(t, rlsstore.CommandAll, stmt.Policy.Command)
}

func TestParseStatement_RestrictivePolicy(t *testing.T) {
	stmt, err := ParseStatement(`CREATE POLICY p ON t AS RESTRICTIVE USING (true);`)
	require.NoError(t, err)
	assert.True(t, stmt.Policy.Restrictive)
}

func TestParseStatement_DropPolicy(t *testing.T) {
	stmt, err := ParseStatement(`DROP POLICY own_rows ON posts;`)
	require.NoError(t, err)
	assert.Equal(t, KindDropPolicy, stmt.Kind)
	assert.Equal(t, "posts", stmt.Table)
	assert.Equal(t, "own_rows", stmt.Name)
	assert.False(t, stmt.IfExists)

	stmt, err = ParseStatement(`DROP POLICY IF EXISTS own_rows ON posts;`)
	require.NoError(t, err)
	assert.True(t, stmt.IfExists)
}

func TestParseScript_MultipleStatements(t *testing.T) {
	stmts, err := ParseScript(`
		ALTER TABLE posts ENABLE ROW LEVEL SECURITY;
		CREATE POLICY read_published ON posts FOR SELECT TO anon USING (published = 1);
	`)
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, KindEnableRLS, stmts[0].Kind)
	assert.Equal(t, KindCreatePolicy, stmts[1].Kind)
}

func TestParseScript_RejectsNonPolicyDDL(t *testing.T) {
	_, err := ParseScript(`DROP TABLE posts;`)
	assert.Error(t, err)

	_, err = ParseScript(`SELECT * FROM posts;`)
	assert.Error(t, err)

	_, err = ParseScript(`ALTER TABLE posts ADD COLUMN x TEXT;`)
	assert.Error(t, err)
}

func TestParseScript_RejectsMultipleRoles(t *testing.T) {
	_, err := ParseScript(`CREATE POLICY p ON t TO anon, authenticated USING (true);`)
	assert.Error(t, err)
}

func TestApply_RoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	store, err := rlsstore.New(ctx, db)
	require.NoError(t, err)

	stmts, err := ParseScript(`
		ALTER TABLE posts ENABLE ROW LEVEL SECURITY;
		CREATE POLICY read_published ON posts FOR SELECT TO anon USING (published = 1);
	`)
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, store, stmts))

	enabled, err := store.IsEnabled(ctx, "posts")
	require.NoError(t, err)
	assert.True(t, enabled)

	policies, err := store.PoliciesFor(ctx, "posts", rlsstore.CommandSelect, rlsstore.RoleAnon)
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "read_published", policies[0].Name)
	assert.Contains(t, policies[0].Using, "published = 1")

	drop, err := ParseStatement(`DROP POLICY read_published ON posts;`)
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, store, []Statement{drop}))

	policies, err = store.PoliciesFor(ctx, "posts", rlsstore.CommandSelect, rlsstore.RoleAnon)
	require.NoError(t, err)
	assert.Empty(t, policies)
}
