package compiler

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
	"github.com/litefuse/litefuse/internal/schema"

	_ "modernc.org/sqlite"
)

func buildSchema(t *testing.T) *schema.Schema {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL);
		CREATE TABLE posts (
			id INTEGER PRIMARY KEY,
			title TEXT NOT NULL,
			author_id INTEGER NOT NULL REFERENCES users(id),
			status TEXT,
			amount INTEGER
		);
		CREATE TABLE messages (
			id INTEGER PRIMARY KEY,
			body TEXT,
			sender_id INTEGER REFERENCES users(id),
			recipient_id INTEGER REFERENCES users(id)
		);
	`)
	require.NoError(t, err)

	s, err := schema.Build(context.Background(), db)
	require.NoError(t, err)
	return s
}

func TestCompile_WildcardSelect(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{From: "users", Select: []ast.ColumnItem{{Kind: ast.KindWildcard}}}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	require.Equal(t, `SELECT "users".* FROM "users"`, c.SQL)
	require.Empty(t, c.Params)
}

func TestCompile_SimpleFilterIsParameterized(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From:   "users",
		Select: []ast.ColumnItem{{Kind: ast.KindWildcard}},
		Where: &ast.WhereNode{
			Kind: ast.NodeFilter, Column: "id", Operator: ast.OpEq, Value: int64(2),
		},
	}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `WHERE "users"."id" = ?`)
	require.NotContains(t, c.SQL, "2")
	require.Equal(t, []any{int64(2)}, c.Params)
}

func TestCompile_OrderLimitOffset(t *testing.T) {
	sch := buildSchema(t)
	limit, offset := 2, 1
	q := &ast.QueryAST{
		From:   "users",
		Select: []ast.ColumnItem{{Kind: ast.KindWildcard}},
		Order:  []ast.OrderTerm{{Column: "id", Direction: ast.Desc}},
		Limit:  &limit,
		Offset: &offset,
	}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `ORDER BY "users"."id" DESC`)
	require.Contains(t, c.SQL, "LIMIT 2")
	require.Contains(t, c.SQL, "OFFSET 1")
}

func TestCompile_AggregateWithGroupByInference(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "posts",
		Select: []ast.ColumnItem{
			{Kind: ast.KindSimple, Column: "status"},
			{Kind: ast.KindAggregate, AggFn: ast.AggSum, AggColumn: "amount"},
		},
	}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `SUM("posts"."amount") AS "sum"`)
	require.Contains(t, c.SQL, `GROUP BY "posts"."status"`)
}

func TestCompile_WildcardWithAggregateIsRejected(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "posts",
		Select: []ast.ColumnItem{
			{Kind: ast.KindWildcard},
			{Kind: ast.KindAggregate, AggFn: ast.AggCount},
		},
	}
	_, err := Compile(q, sch)
	require.Error(t, err)
}

func TestCompile_EmbeddedManyToOne(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "posts",
		Select: []ast.ColumnItem{
			{Kind: ast.KindSimple, Column: "id"},
			{
				Kind:        ast.KindEmbedded,
				Table:       "users",
				Alias:       "author",
				InnerSelect: []ast.ColumnItem{{Kind: ast.KindSimple, Column: "name"}},
			},
		},
	}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `FROM "users" "child1"`)
	require.Contains(t, c.SQL, `"child1"."id" = "posts"."author_id"`)
	require.Contains(t, c.SQL, `LIMIT 1`)
	require.Contains(t, c.SQL, `AS "author"`)
}

func TestCompile_EmbeddedOneToMany(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "users",
		Select: []ast.ColumnItem{
			{Kind: ast.KindSimple, Column: "id"},
			{
				Kind:        ast.KindEmbedded,
				Table:       "posts",
				InnerSelect: []ast.ColumnItem{{Kind: ast.KindWildcard}},
			},
		},
	}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `json_group_array`)
	require.Contains(t, c.SQL, `COALESCE(`)
	require.Contains(t, c.SQL, `"child1"."author_id" = "users"."id"`)
}

func TestCompile_EmbeddedHintDisambiguatesSelfRelatedFKs(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "messages",
		Select: []ast.ColumnItem{
			{
				Kind:        ast.KindEmbedded,
				Table:       "users",
				Alias:       "sender",
				Hint:        "sender_id",
				InnerSelect: []ast.ColumnItem{{Kind: ast.KindSimple, Column: "name"}},
			},
			{
				Kind:        ast.KindEmbedded,
				Table:       "users",
				Alias:       "recipient",
				Hint:        "recipient_id",
				InnerSelect: []ast.ColumnItem{{Kind: ast.KindSimple, Column: "name"}},
			},
		},
	}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `"child1"."id" = "messages"."sender_id"`)
	require.Contains(t, c.SQL, `"child2"."id" = "messages"."recipient_id"`)
}

func TestCompile_NestedEmbeddingCorrelatesOnEnclosingAlias(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "users",
		Select: []ast.ColumnItem{
			{
				Kind:  ast.KindEmbedded,
				Table: "posts",
				InnerSelect: []ast.ColumnItem{
					{Kind: ast.KindSimple, Column: "title"},
					{
						Kind:        ast.KindEmbedded,
						Table:       "users",
						Alias:       "author",
						Hint:        "author_id",
						InnerSelect: []ast.ColumnItem{{Kind: ast.KindSimple, Column: "name"}},
					},
				},
			},
		},
	}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `"child1"."author_id" = "users"."id"`)
	// The inner embed correlates against the posts subquery's alias, not
	// the posts table name.
	require.Contains(t, c.SQL, `"child2"."id" = "child1"."author_id"`)
}

func TestCompile_EmbeddedParamsBindInTextualOrder(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "users",
		Select: []ast.ColumnItem{
			{Kind: ast.KindSimple, Column: "id"},
			{
				Kind:        ast.KindEmbedded,
				Table:       "posts",
				InnerSelect: []ast.ColumnItem{{Kind: ast.KindSimple, Column: "title"}},
				InnerWhere: &ast.WhereNode{
					Kind: ast.NodeFilter, Column: "status", Operator: ast.OpEq, Value: "published",
				},
			},
		},
		Where: &ast.WhereNode{Kind: ast.NodeFilter, Column: "id", Operator: ast.OpGt, Value: int64(5)},
	}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	// The embedded subquery (and its parameter) appears in the SELECT
	// list, before the top-level WHERE's parameter.
	require.Equal(t, []any{"published", int64(5)}, c.Params)
}

func TestCompile_EmbeddedFilterRoutesIntoSubquery(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "users",
		Select: []ast.ColumnItem{
			{Kind: ast.KindSimple, Column: "id"},
			{
				Kind:        ast.KindEmbedded,
				Table:       "posts",
				InnerSelect: []ast.ColumnItem{{Kind: ast.KindSimple, Column: "title"}},
			},
		},
		Where: &ast.WhereNode{
			Kind: ast.NodeEmbeddedFilter,
			Path: "posts",
			Inner: &ast.WhereNode{
				Kind: ast.NodeFilter, Column: "status", Operator: ast.OpEq, Value: "published",
			},
		},
	}
	c, err := Compile(q, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `"child1"."status" = ?`)
	// The routed filter lives inside the subquery; the outer query keeps
	// no WHERE of its own.
	require.NotContains(t, c.SQL, `FROM "users" WHERE`)
	require.Equal(t, []any{"published"}, c.Params)
}

func TestCompile_EmbeddedFilterWithoutMatchingEmbedErrors(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From:   "users",
		Select: []ast.ColumnItem{{Kind: ast.KindSimple, Column: "id"}},
		Where: &ast.WhereNode{
			Kind:  ast.NodeEmbeddedFilter,
			Path:  "posts",
			Inner: &ast.WhereNode{Kind: ast.NodeFilter, Column: "status", Operator: ast.OpEq, Value: "x"},
		},
	}
	_, err := Compile(q, sch)
	require.Error(t, err)
}

func TestCompile_UnknownRelationshipErrors(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "users",
		Select: []ast.ColumnItem{
			{Kind: ast.KindEmbedded, Table: "messages", Hint: "does_not_exist"},
		},
	}
	_, err := Compile(q, sch)
	require.Error(t, err)
}

func TestCompileInsert(t *testing.T) {
	sch := buildSchema(t)
	c, err := CompileInsert("users", []map[string]any{{"name": "Alice"}, {"name": "Bob"}}, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `INSERT INTO "users" ("name") VALUES (?), (?) RETURNING *`)
	require.Equal(t, []any{"Alice", "Bob"}, c.Params)
}

func TestCompileUpdate(t *testing.T) {
	sch := buildSchema(t)
	where := &ast.WhereNode{Kind: ast.NodeFilter, Column: "id", Operator: ast.OpEq, Value: int64(1)}
	c, err := CompileUpdate("users", map[string]any{"name": "Carol"}, where, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `UPDATE "users" SET "name" = ? WHERE "id" = ? RETURNING *`)
	require.Equal(t, []any{"Carol", int64(1)}, c.Params)
}

func TestCompileDelete(t *testing.T) {
	sch := buildSchema(t)
	where := &ast.WhereNode{Kind: ast.NodeDenyAll}
	c, err := CompileDelete("users", where, sch)
	require.NoError(t, err)
	require.Contains(t, c.SQL, `DELETE FROM "users" WHERE 1 = 0 RETURNING *`)
}

func TestCompile_UnknownSelectColumnErrors(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From:   "users",
		Select: []ast.ColumnItem{{Kind: ast.KindSimple, Column: "bogus_column"}},
	}
	_, err := Compile(q, sch)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus_column")

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, apierr.KindCompilation, apiErr.Kind)
}

func TestCompile_UnknownWhereColumnErrors(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From:   "users",
		Select: []ast.ColumnItem{{Kind: ast.KindWildcard}},
		Where: &ast.WhereNode{
			Kind: ast.NodeLogical, LogicalKind: ast.And,
			Children: []*ast.WhereNode{
				{Kind: ast.NodeFilter, Column: "id", Operator: ast.OpEq, Value: int64(1)},
				{Kind: ast.NodeFilter, Column: "bogus_column", Operator: ast.OpEq, Value: int64(2)},
			},
		},
	}
	_, err := Compile(q, sch)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus_column")
}

func TestCompile_UnknownOrderColumnErrors(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From:   "users",
		Select: []ast.ColumnItem{{Kind: ast.KindWildcard}},
		Order:  []ast.OrderTerm{{Column: "bogus_column", Direction: ast.Desc}},
	}
	_, err := Compile(q, sch)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus_column")
}

func TestCompile_UnknownAggregateColumnErrors(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From:   "posts",
		Select: []ast.ColumnItem{{Kind: ast.KindAggregate, AggFn: ast.AggSum, AggColumn: "bogus_column"}},
	}
	_, err := Compile(q, sch)
	require.Error(t, err)
}

func TestCompile_UnknownEmbeddedInnerColumnErrors(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{
		From: "users",
		Select: []ast.ColumnItem{
			{
				Kind:        ast.KindEmbedded,
				Table:       "posts",
				InnerSelect: []ast.ColumnItem{{Kind: ast.KindSimple, Column: "bogus_column"}},
			},
		},
	}
	_, err := Compile(q, sch)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus_column")
}

func TestCompile_UnknownTable(t *testing.T) {
	sch := buildSchema(t)
	q := &ast.QueryAST{From: "does_not_exist", Select: []ast.ColumnItem{{Kind: ast.KindWildcard}}}
	_, err := Compile(q, sch)
	require.Error(t, err)
}
