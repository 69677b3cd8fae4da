package urlparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
)

func TestParse_DefaultsToWildcardSelect(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{}, ast.Many)
	require.NoError(t, err)
	require.Len(t, q.Select, 1)
	assert.Equal(t, ast.KindWildcard, q.Select[0].Kind)
	assert.Equal(t, "books", q.From)
}

func TestParse_MissingTable(t *testing.T) {
	p := NewParser()
	_, err := p.Parse("", Values{}, ast.Many)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindParse, apiErr.Kind)
}

func TestParse_SimpleAndAliasedColumns(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{"select": {"id,title,author_name:author"}}, ast.Many)
	require.NoError(t, err)
	require.Len(t, q.Select, 3)
	assert.Equal(t, ast.KindSimple, q.Select[0].Kind)
	assert.Equal(t, "id", q.Select[0].Column)
	assert.Equal(t, "author", q.Select[2].Column)
	assert.Equal(t, "author_name", q.Select[2].Alias)
}

func TestParse_AggregateSelect(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{"select": {"count(),total:price.sum()"}}, ast.Many)
	require.NoError(t, err)
	require.Len(t, q.Select, 2)
	assert.Equal(t, ast.KindAggregate, q.Select[0].Kind)
	assert.Equal(t, ast.AggCount, q.Select[0].AggFn)
	assert.Equal(t, "", q.Select[0].AggColumn)
	assert.Equal(t, ast.AggSum, q.Select[1].AggFn)
	assert.Equal(t, "price", q.Select[1].AggColumn)
	assert.Equal(t, "total", q.Select[1].Alias)
}

func TestParse_EmbeddedResourceWithHintAndInnerClauses(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{
		"select": {"title,reviews:book_reviews!reviewer_fk(id,rating,order=rating.desc,limit=3)"},
	}, ast.Many)
	require.NoError(t, err)
	require.Len(t, q.Select, 2)
	embed := q.Select[1]
	assert.Equal(t, ast.KindEmbedded, embed.Kind)
	assert.Equal(t, "book_reviews", embed.Table)
	assert.Equal(t, "reviewer_fk", embed.Hint)
	assert.Equal(t, "reviews", embed.Alias)
	require.Len(t, embed.InnerSelect, 2)
	require.Len(t, embed.InnerOrder, 1)
	assert.Equal(t, ast.Desc, embed.InnerOrder[0].Direction)
	require.NotNil(t, embed.InnerLimit)
	assert.Equal(t, 3, *embed.InnerLimit)
}

func TestParse_ScalarFiltersAndTypeCoercion(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{
		"price":    {"gte.9.99"},
		"in_print": {"is.true"},
		"title":    {"ilike.*dune*"},
	}, ast.Many)
	require.NoError(t, err)
	require.NotNil(t, q.Where)
	require.Equal(t, ast.NodeLogical, q.Where.Kind)
	require.Len(t, q.Where.Children, 3)

	byColumn := map[string]*ast.WhereNode{}
	for _, c := range q.Where.Children {
		byColumn[c.Column] = c
	}
	price := byColumn["price"]
	require.NotNil(t, price)
	assert.Equal(t, ast.OpGte, price.Operator)
	assert.Equal(t, 9.99, price.Value)

	inPrint := byColumn["in_print"]
	require.NotNil(t, inPrint)
	assert.Equal(t, ast.OpIs, inPrint.Operator)
	assert.Equal(t, ast.IsTrue, inPrint.Value)

	title := byColumn["title"]
	require.NotNil(t, title)
	assert.Equal(t, ast.OpIlike, title.Operator)
	assert.Equal(t, "*dune*", title.Value)
}

func TestParse_DottedKeyBecomesEmbeddedFilter(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{"author.name": {"eq.Herbert"}}, ast.Many)
	require.NoError(t, err)
	require.NotNil(t, q.Where)
	require.Equal(t, ast.NodeEmbeddedFilter, q.Where.Kind)
	assert.Equal(t, "author", q.Where.Path)
	require.NotNil(t, q.Where.Inner)
	assert.Equal(t, "name", q.Where.Inner.Column)
	assert.Equal(t, "Herbert", q.Where.Inner.Value)
}

func TestParse_NotNegation(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{"status": {"not.eq.archived"}}, ast.Many)
	require.NoError(t, err)
	require.NotNil(t, q.Where)
	assert.True(t, q.Where.Negated)
	assert.Equal(t, ast.OpEq, q.Where.Operator)
	assert.Equal(t, "archived", q.Where.Value)
}

func TestParse_InList(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{"genre": {`in.(scifi,"literary fiction",fantasy)`}}, ast.Many)
	require.NoError(t, err)
	require.NotNil(t, q.Where)
	items, ok := q.Where.Value.([]any)
	require.True(t, ok)
	require.Len(t, items, 3)
	assert.Equal(t, "literary fiction", items[1])
}

func TestParse_LikeAnyQuantifier(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{"title": {"like(any).{*dune*,*foundation*}"}}, ast.Many)
	require.NoError(t, err)
	require.NotNil(t, q.Where)
	assert.Equal(t, ast.NodeLogical, q.Where.Kind)
	assert.Equal(t, ast.Or, q.Where.LogicalKind)
	require.Len(t, q.Where.Children, 2)
}

func TestParse_OrLogicalGroup(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{"or": {"(price.lt.10,price.gt.100)"}}, ast.Many)
	require.NoError(t, err)
	require.NotNil(t, q.Where)
	assert.Equal(t, ast.Or, q.Where.LogicalKind)
	require.Len(t, q.Where.Children, 2)
}

func TestParse_NegatedNestedLogicalGroup(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{"or": {"(price.lt.10,not.and(price.gt.100,in_print.is.true))"}}, ast.Many)
	require.NoError(t, err)
	require.NotNil(t, q.Where)
	assert.Equal(t, ast.Or, q.Where.LogicalKind)
	require.Len(t, q.Where.Children, 2)
	nested := q.Where.Children[1]
	assert.Equal(t, ast.NodeLogical, nested.Kind)
	assert.Equal(t, ast.And, nested.LogicalKind)
	assert.True(t, nested.Negated)
}

func TestParse_UnsupportedOperatorRejected(t *testing.T) {
	p := NewParser()
	_, err := p.Parse("books", Values{"title": {"fts.dune"}}, ast.Many)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindUnsupported, apiErr.Kind)
}

func TestParse_OrderLimitOffset(t *testing.T) {
	p := NewParser()
	q, err := p.Parse("books", Values{
		"order":  {"price.desc.nullslast,title.asc"},
		"limit":  {"25"},
		"offset": {"50"},
	}, ast.Many)
	require.NoError(t, err)
	require.Len(t, q.Order, 2)
	assert.Equal(t, "price", q.Order[0].Column)
	assert.Equal(t, ast.Desc, q.Order[0].Direction)
	assert.Equal(t, ast.NullsLast, q.Order[0].Nulls)
	require.NotNil(t, q.Limit)
	assert.Equal(t, 25, *q.Limit)
	require.NotNil(t, q.Offset)
	assert.Equal(t, 50, *q.Offset)
}

func TestParse_NegativeLimitRejected(t *testing.T) {
	p := NewParser()
	_, err := p.Parse("books", Values{"limit": {"-1"}}, ast.Many)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindValidation, apiErr.Kind)
}
