// Package rlsddl parses the out-of-band policy DDL surface — ALTER TABLE
// ... ENABLE/DISABLE ROW LEVEL SECURITY, CREATE POLICY, DROP POLICY —
// into a tagged Statement sum type and applies it to the policy store.
// Statements arrive as PostgreSQL-flavored SQL text (a bootstrap script
// or a CLI argument, never the REST surface) and are parsed with
// pg_query_go, the same parser the RLS expression path uses, so the
// grammar accepted here is exactly PostgreSQL's own.
package rlsddl

import (
	"context"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/rs/zerolog/log"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/logutil"
	"github.com/litefuse/litefuse/internal/rlsstore"
)

// StatementKind tags the Statement sum type.
type StatementKind int

const (
	KindEnableRLS StatementKind = iota
	KindDisableRLS
	KindCreatePolicy
	KindDropPolicy
)

// Statement is one parsed policy DDL statement. Exactly one field group is
// meaningful for a given Kind.
type Statement struct {
	Kind  StatementKind
	Table string

	// CreatePolicy
	Policy rlsstore.Policy

	// DropPolicy
	Name     string
	IfExists bool
}

// ParseScript parses a semicolon-separated script of policy DDL
// statements. Any statement outside the policy DDL surface is rejected;
// this parser is not a general SQL front end.
func ParseScript(script string) ([]Statement, error) {
	result, err := pg_query.Parse(script)
	if err != nil {
		return nil, apierr.Parse("invalid policy DDL: "+err.Error(), "expected ALTER TABLE ... ROW LEVEL SECURITY, CREATE POLICY, or DROP POLICY statements")
	}

	stmts := make([]Statement, 0, len(result.Stmts))
	for _, raw := range result.Stmts {
		stmt, err := fromNode(raw.Stmt)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	if len(stmts) == 0 {
		return nil, apierr.Parse("empty policy DDL script", "")
	}
	return stmts, nil
}

// ParseStatement parses exactly one policy DDL statement.
func ParseStatement(sql string) (Statement, error) {
	stmts, err := ParseScript(sql)
	if err != nil {
		return Statement{}, err
	}
	if len(stmts) != 1 {
		return Statement{}, apierr.Parse(fmt.Sprintf("expected one statement, got %d", len(stmts)), "")
	}
	return stmts[0], nil
}

func fromNode(node *pg_query.Node) (Statement, error) {
	switch n := node.Node.(type) {
	case *pg_query.Node_AlterTableStmt:
		return fromAlterTable(n.AlterTableStmt)
	case *pg_query.Node_CreatePolicyStmt:
		return fromCreatePolicy(n.CreatePolicyStmt)
	case *pg_query.Node_DropStmt:
		return fromDrop(n.DropStmt)
	default:
		return Statement{}, apierr.Parse(fmt.Sprintf("unsupported statement type: %T", n), "only row-level-security DDL is accepted here")
	}
}

func fromAlterTable(alter *pg_query.AlterTableStmt) (Statement, error) {
	if alter.Relation == nil || alter.Relation.Relname == "" {
		return Statement{}, apierr.Parse("ALTER TABLE without a table name", "")
	}
	if len(alter.Cmds) != 1 {
		return Statement{}, apierr.Parse("ALTER TABLE must carry exactly one ROW LEVEL SECURITY subcommand", "")
	}
	cmd, ok := alter.Cmds[0].Node.(*pg_query.Node_AlterTableCmd)
	if !ok {
		return Statement{}, apierr.Parse("unsupported ALTER TABLE subcommand", "")
	}

	stmt := Statement{Table: alter.Relation.Relname}
	switch cmd.AlterTableCmd.Subtype {
	case pg_query.AlterTableType_AT_EnableRowSecurity:
		stmt.Kind = KindEnableRLS
	case pg_query.AlterTableType_AT_DisableRowSecurity:
		stmt.Kind = KindDisableRLS
	default:
		return Statement{}, apierr.Parse("only ENABLE/DISABLE ROW LEVEL SECURITY is accepted on ALTER TABLE", "")
	}
	return stmt, nil
}

func fromCreatePolicy(cp *pg_query.CreatePolicyStmt) (Statement, error) {
	if cp.Table == nil || cp.Table.Relname == "" {
		return Statement{}, apierr.Parse("CREATE POLICY without a table name", "")
	}

	role, err := policyRole(cp.Roles)
	if err != nil {
		return Statement{}, err
	}

	usingExpr, err := deparseExpr(cp.Qual)
	if err != nil {
		return Statement{}, err
	}
	withCheckExpr, err := deparseExpr(cp.WithCheck)
	if err != nil {
		return Statement{}, err
	}

	return Statement{
		Kind:  KindCreatePolicy,
		Table: cp.Table.Relname,
		Policy: rlsstore.Policy{
			Name:        cp.PolicyName,
			Table:       cp.Table.Relname,
			Command:     rlsstore.CommandFromAST(cp.CmdName),
			Role:        role,
			Using:       usingExpr,
			WithCheck:   withCheckExpr,
			Restrictive: !cp.Permissive,
		},
	}, nil
}

// policyRole extracts the single TO role of a CREATE POLICY. An omitted
// TO clause arrives as PUBLIC; more than one role is rejected because
// the policy catalog scopes each row to exactly one role.
func policyRole(roles []*pg_query.Node) (string, error) {
	if len(roles) == 0 {
		return rlsstore.RolePublic, nil
	}
	if len(roles) > 1 {
		return "", apierr.Parse("CREATE POLICY accepts exactly one TO role here", "create one policy per role instead")
	}
	spec, ok := roles[0].Node.(*pg_query.Node_RoleSpec)
	if !ok {
		return "", apierr.Parse("malformed TO role", "")
	}
	switch spec.RoleSpec.Roletype {
	case pg_query.RoleSpecType_ROLESPEC_PUBLIC:
		return rlsstore.RolePublic, nil
	case pg_query.RoleSpecType_ROLESPEC_CSTRING:
		return spec.RoleSpec.Rolename, nil
	default:
		return "", apierr.Parse("unsupported TO role form", "use a role name or PUBLIC")
	}
}

func fromDrop(drop *pg_query.DropStmt) (Statement, error) {
	if drop.RemoveType != pg_query.ObjectType_OBJECT_POLICY {
		return Statement{}, apierr.Parse("only DROP POLICY is accepted here", "")
	}
	if len(drop.Objects) != 1 {
		return Statement{}, apierr.Parse("DROP POLICY expects exactly one policy", "")
	}
	list, ok := drop.Objects[0].Node.(*pg_query.Node_List)
	if !ok || len(list.List.Items) < 2 {
		return Statement{}, apierr.Parse("DROP POLICY requires both a policy and a table name", "use DROP POLICY <name> ON <table>")
	}

	// The object is the ON-table name list with the policy name appended.
	items := list.List.Items
	name, err := stringItem(items[len(items)-1])
	if err != nil {
		return Statement{}, err
	}
	table, err := stringItem(items[len(items)-2])
	if err != nil {
		return Statement{}, err
	}

	return Statement{Kind: KindDropPolicy, Table: table, Name: name, IfExists: drop.MissingOk}, nil
}

func stringItem(node *pg_query.Node) (string, error) {
	s, ok := node.Node.(*pg_query.Node_String_)
	if !ok {
		return "", apierr.Parse("malformed DROP POLICY object name", "")
	}
	return s.String_.Sval, nil
}

// deparseExpr renders a USING/WITH CHECK expression subtree back to SQL
// text for storage. The catalog stores expression strings, not trees,
// because auth.uid()/auth.role() substitution happens per request before
// the expression is re-parsed under the caller's identity.
func deparseExpr(expr *pg_query.Node) (string, error) {
	if expr == nil {
		return "", nil
	}

	const prefix = "SELECT 1 WHERE "
	wrapped := &pg_query.ParseResult{
		Stmts: []*pg_query.RawStmt{{
			Stmt: &pg_query.Node{Node: &pg_query.Node_SelectStmt{SelectStmt: &pg_query.SelectStmt{
				TargetList: []*pg_query.Node{{Node: &pg_query.Node_ResTarget{ResTarget: &pg_query.ResTarget{
					Val: &pg_query.Node{Node: &pg_query.Node_AConst{AConst: &pg_query.A_Const{
						Val: &pg_query.A_Const_Ival{Ival: &pg_query.Integer{Ival: 1}},
					}}},
				}}}},
				WhereClause: expr,
				LimitOption: pg_query.LimitOption_LIMIT_OPTION_DEFAULT,
				Op:          pg_query.SetOperation_SETOP_NONE,
			}}},
		}},
	}
	sql, err := pg_query.Deparse(wrapped)
	if err != nil {
		return "", apierr.Parse("cannot render policy expression: "+err.Error(), "")
	}
	if !strings.HasPrefix(sql, prefix) {
		return "", apierr.Parse("unexpected policy expression rendering: "+sql, "")
	}
	return sql[len(prefix):], nil
}

// Apply executes parsed statements against the store in order, stopping
// at the first failure. Each applied statement logs only its extracted
// DDL metadata, never the full expression text.
func Apply(ctx context.Context, store *rlsstore.Store, stmts []Statement) error {
	for _, stmt := range stmts {
		if err := applyOne(ctx, store, stmt); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(ctx context.Context, store *rlsstore.Store, stmt Statement) error {
	var err error
	switch stmt.Kind {
	case KindEnableRLS:
		err = store.EnableRLS(ctx, stmt.Table)
	case KindDisableRLS:
		err = store.DisableRLS(ctx, stmt.Table)
	case KindCreatePolicy:
		err = store.CreatePolicy(ctx, stmt.Policy)
	case KindDropPolicy:
		err = store.DropPolicy(ctx, stmt.Table, stmt.Name)
	default:
		err = apierr.Parse("unknown policy DDL statement kind", "")
	}
	if err != nil {
		return err
	}
	log.Info().Str("ddl", logutil.ExtractDDLMetadata(describe(stmt))).Msg("policy DDL applied")
	return nil
}

// describe rebuilds the statement's operation shape (never its expression
// text) for the audit log.
func describe(stmt Statement) string {
	switch stmt.Kind {
	case KindEnableRLS:
		return "ALTER TABLE " + stmt.Table + " ENABLE ROW LEVEL SECURITY"
	case KindDisableRLS:
		return "ALTER TABLE " + stmt.Table + " DISABLE ROW LEVEL SECURITY"
	case KindCreatePolicy:
		return "CREATE POLICY " + stmt.Policy.Name + " ON " + stmt.Table
	case KindDropPolicy:
		return "DROP POLICY " + stmt.Name + " ON " + stmt.Table
	default:
		return ""
	}
}
