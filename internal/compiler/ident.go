package compiler

import "strings"

// quoteIdent double-quotes an identifier, doubling any internal double
// quote. Used for every table/column/alias name the compiler emits;
// never for user-supplied values, which are always bound as parameters.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// qualify returns `"qualifier"."name"`.
func qualify(qualifier, name string) string {
	return quoteIdent(qualifier) + "." + quoteIdent(name)
}
