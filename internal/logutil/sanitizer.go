// Package logutil provides logging utilities for sanitization
package logutil

import (
	"regexp"
	"strings"
)

// SanitizeSQL removes sensitive data from SQL queries by replacing literal
// values with placeholders, so passwords, PII, and other sensitive data
// never appear in logs. The bound parameter values themselves are never
// passed to this function (dbhandle logs only the SQL text, never
// Params); this guards against literals a caller embedded directly in a
// filter expression rather than binding.
//
// Replacements:
// - String literals (single quotes): '<redacted>'
// - Numeric literals: <num>
// - Boolean values (TRUE/FALSE): <bool>
// - NULL: <null>
//
// Example:
//
//	SELECT * FROM users WHERE email = 'user@example.com' AND id = 123
//	=> SELECT * FROM users WHERE email = '<redacted>' AND id = <num>
func SanitizeSQL(query string) string {
	// Order matters - process from most specific to least specific

	// 1. Remove single-quoted string literals (including escaped quotes)
	// This handles: 'value', 'it''s', 'O''Reilly', 'hello\nworld'
	singleQuotePattern := regexp.MustCompile(`'(?:[^']|'')*'`)
	query = singleQuotePattern.ReplaceAllString(query, "'<redacted>'")

	// 2. Replace boolean and special keywords
	query = strings.ReplaceAll(query, " TRUE", " <bool>")
	query = strings.ReplaceAll(query, " FALSE", " <bool>")
	query = strings.ReplaceAll(query, " NULL", " <null>")

	// 3. Remove IPv4 addresses
	ipPattern := regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	query = ipPattern.ReplaceAllString(query, "<ip>")

	// 4. Remove UUIDs (but keep common function names like uuid_generate)
	uuidPattern := regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	query = uuidPattern.ReplaceAllString(query, "<uuid>")

	// 5. Replace numeric literals. SQLite placeholders are the bare `?`
	// character, which this pattern never matches, so no preserve/restore
	// pass is needed here.
	numericPattern := regexp.MustCompile(`\b\d+(?:\.\d+)?(?:[eE][+-]?\d+)?\b`)
	query = numericPattern.ReplaceAllString(query, "<num>")

	return query
}

// ExtractDDLMetadata extracts the operation shape from a policy DDL
// statement for audit logging, never the statement's expression text.
// The policy DDL surface produces exactly three statement shapes, and
// this recognizes those:
//
//	ALTER TABLE posts ENABLE ROW LEVEL SECURITY
//	=> "ALTER TABLE posts ENABLE ROW LEVEL SECURITY"
//
//	CREATE POLICY own_rows ON posts FOR SELECT USING (user_id = ...)
//	=> "CREATE POLICY own_rows ON posts"
//
//	DROP POLICY IF EXISTS own_rows ON posts
//	=> "DROP POLICY own_rows ON posts"
//
// Anything else collapses to its first three words.
func ExtractDDLMetadata(ddl string) string {
	words := strings.Fields(strings.TrimSpace(ddl))
	if len(words) == 0 {
		return ""
	}

	switch strings.ToUpper(words[0]) {
	case "ALTER":
		if meta, ok := extractRowSecurityMetadata(words); ok {
			return meta
		}
	case "CREATE":
		if meta, ok := extractCreatePolicyMetadata(words); ok {
			return meta
		}
	case "DROP":
		if meta, ok := extractDropPolicyMetadata(words); ok {
			return meta
		}
	}

	maxWords := 3
	if len(words) < maxWords {
		maxWords = len(words)
	}
	return strings.Join(words[:maxWords], " ")
}

// extractRowSecurityMetadata handles ALTER TABLE <t> ENABLE|DISABLE ROW
// LEVEL SECURITY. The enable/disable verb is the one piece of operation
// shape this statement carries, so it must survive into the audit log.
func extractRowSecurityMetadata(words []string) (string, bool) {
	if len(words) < 4 || strings.ToUpper(words[1]) != "TABLE" {
		return "", false
	}
	action := strings.ToUpper(words[3])
	if action != "ENABLE" && action != "DISABLE" {
		return "", false
	}
	return "ALTER TABLE " + trimQuotes(words[2]) + " " + action + " ROW LEVEL SECURITY", true
}

// extractCreatePolicyMetadata handles CREATE POLICY <name> ON <table>,
// dropping everything after the table name (the FOR/TO/USING/WITH CHECK
// tail is where the expression text lives).
func extractCreatePolicyMetadata(words []string) (string, bool) {
	if len(words) < 3 || strings.ToUpper(words[1]) != "POLICY" {
		return "", false
	}
	name := trimQuotes(words[2])
	if len(words) >= 5 && strings.ToUpper(words[3]) == "ON" {
		return "CREATE POLICY " + name + " ON " + trimQuotes(words[4]), true
	}
	return "CREATE POLICY " + name, true
}

// extractDropPolicyMetadata handles DROP POLICY [IF EXISTS] <name> ON <table>.
func extractDropPolicyMetadata(words []string) (string, bool) {
	if len(words) < 3 || strings.ToUpper(words[1]) != "POLICY" {
		return "", false
	}
	idx := 2
	if strings.ToUpper(words[idx]) == "IF" && idx+2 < len(words) {
		idx += 2 // skip "IF EXISTS"
	}
	name := trimQuotes(words[idx])
	if idx+2 < len(words) && strings.ToUpper(words[idx+1]) == "ON" {
		return "DROP POLICY " + name + " ON " + trimQuotes(words[idx+2]), true
	}
	return "DROP POLICY " + name, true
}

func trimQuotes(s string) string {
	return strings.Trim(s, `";`)
}
