// Package httpapi binds the query service onto fiber/v3 routes:
// GET/POST/PATCH/DELETE on /<table>, a health check, and the RLS
// policy admin endpoints.
package httpapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/litefuse/litefuse/internal/apierr"
	"github.com/litefuse/litefuse/internal/ast"
	"github.com/litefuse/litefuse/internal/metrics"
	"github.com/litefuse/litefuse/internal/queryservice"
	"github.com/litefuse/litefuse/internal/reqctx"
	"github.com/litefuse/litefuse/internal/rlsstore"
	"github.com/litefuse/litefuse/internal/urlparser"
)

// requestIDHeader is the header a caller may supply to correlate a
// request across its own logs; litefuse echoes back whichever ID it
// assigned the request (generated when absent) on every response.
const requestIDHeader = "X-Request-Id"

// API wires a *queryservice.Service and an RLS store onto an *fiber.App.
type API struct {
	svc       *queryservice.Service
	store     *rlsstore.Store
	extractor *reqctx.Extractor
	metrics   *metrics.Metrics
}

// New builds an API. jwtSecret verifies bearer tokens; pass nil to run
// with every request treated as the anonymous role (local development
// only).
func New(svc *queryservice.Service, store *rlsstore.Store, jwtSecret []byte) *API {
	return &API{svc: svc, store: store, extractor: reqctx.NewExtractor(jwtSecret), metrics: metrics.NewMetrics()}
}

// Register mounts every route this engine serves onto app.
func (a *API) Register(app *fiber.App) {
	app.Use(assignRequestID)
	app.Use(a.recordHTTPMetrics)

	app.Get("/health", a.handleHealth)

	app.Get("/:table", a.handleSelect)
	app.Post("/:table", a.handleInsert)
	app.Patch("/:table", a.handleUpdate)
	app.Delete("/:table", a.handleDelete)

	admin := app.Group("/admin/policies")
	admin.Get("/:table", a.handleListPolicies)
	admin.Post("/:table/enable", a.handleEnableRLS)
	admin.Post("/:table/disable", a.handleDisableRLS)
	admin.Post("/:table", a.handleCreatePolicy)
	admin.Delete("/:table/:name", a.handleDropPolicy)

	app.Post("/admin/schema/reload", a.handleSchemaReload)
}

func (a *API) handleHealth(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// assignRequestID echoes back the caller's X-Request-Id if present,
// otherwise mints a fresh uuid, so every log line for this request (and
// the response itself) can be correlated back to a single call.
func assignRequestID(c fiber.Ctx) error {
	id := c.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDHeader, id)
	return c.Next()
}

// recordHTTPMetrics runs just inside assignRequestID: it times the rest
// of the request/response round trip and records it labelled by method,
// normalized path, and status class (see internal/metrics).
func (a *API) recordHTTPMetrics(c fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	a.metrics.RecordHTTPRequest(c.Method(), c.Path(), status, time.Since(start))
	log.Debug().
		Str("request_id", c.GetRespHeader(requestIDHeader)).
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("request handled")
	return err
}

// authContext builds the caller's RequestContext: a request carries
// either an apikey header or a Bearer Authorization header, both
// holding the same JWT shape; apikey is tried first since
// PostgREST-compatible clients send it unconditionally alongside an
// optional Authorization header for the end-user's own token.
func (a *API) authContext(c fiber.Ctx) (reqctx.RequestContext, error) {
	if apikey := strings.TrimSpace(c.Get("apikey")); apikey != "" {
		return a.extractor.FromAuthorizationHeader("Bearer " + apikey)
	}
	return a.extractor.FromAuthorizationHeader(c.Get("Authorization"))
}

// serviceContext wraps the request's context with the caller's identity
// so lower layers (statement logging, audit) can recover it without
// threading the RequestContext through every signature.
func serviceContext(c fiber.Ctx, rc reqctx.RequestContext) context.Context {
	return reqctx.WithRequestContext(c.RequestCtx(), rc)
}

// queryValues collects every query-string key into a urlparser.Values,
// preserving repeated keys (a column filtered twice, e.g. age=gte.18&age=lte.65).
func queryValues(c fiber.Ctx) urlparser.Values {
	values := urlparser.Values{}
	c.RequestCtx().QueryArgs().VisitAll(func(key, value []byte) {
		k := string(key)
		values[k] = append(values[k], string(value))
	})
	return values
}

// cardinalityFromAccept derives the expected result shape from the
// Accept header: the PostgREST singular-object media type requests
// exactly-one enforcement, and its nullable variant zero-or-one.
func cardinalityFromAccept(c fiber.Ctx) ast.Cardinality {
	accept := strings.TrimSpace(c.Get("Accept"))
	switch {
	case accept == "application/vnd.pgrst.object+json":
		return ast.One
	case strings.HasPrefix(accept, "application/vnd.pgrst.object+json") && strings.Contains(accept, "nullable=true"):
		return ast.MaybeOne
	default:
		return ast.Many
	}
}

func (a *API) handleSelect(c fiber.Ctx) error {
	rc, err := a.authContext(c)
	if err != nil {
		return writeError(c, err)
	}

	table := c.Params("table")
	result, err := a.svc.Select(serviceContext(c, rc), table, queryValues(c), cardinalityFromAccept(c), rc)
	if err != nil {
		return writeError(c, err)
	}
	if result == nil {
		return c.Status(fiber.StatusOK).JSON(nil)
	}
	return c.JSON(result)
}

func (a *API) handleInsert(c fiber.Ctx) error {
	rc, err := a.authContext(c)
	if err != nil {
		return writeError(c, err)
	}

	var payload []map[string]any
	if err := c.Bind().Body(&payload); err != nil {
		var single map[string]any
		if err := c.Bind().Body(&single); err != nil {
			return writeError(c, apierr.Validation("request body must be a JSON object or array of objects"))
		}
		payload = []map[string]any{single}
	}

	table := c.Params("table")
	rows, err := a.svc.Insert(serviceContext(c, rc), table, payload, rc)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(rows)
}

func (a *API) handleUpdate(c fiber.Ctx) error {
	rc, err := a.authContext(c)
	if err != nil {
		return writeError(c, err)
	}

	var patch map[string]any
	if err := c.Bind().Body(&patch); err != nil {
		return writeError(c, apierr.Validation("request body must be a JSON object"))
	}

	table := c.Params("table")
	rows, err := a.svc.Update(serviceContext(c, rc), table, queryValues(c), patch, rc)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rows)
}

func (a *API) handleDelete(c fiber.Ctx) error {
	rc, err := a.authContext(c)
	if err != nil {
		return writeError(c, err)
	}

	table := c.Params("table")
	rows, err := a.svc.Delete(serviceContext(c, rc), table, queryValues(c), rc)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rows)
}

func (a *API) handleSchemaReload(c fiber.Ctx) error {
	rc, err := a.authContext(c)
	if err != nil {
		return writeError(c, err)
	}
	if err := a.svc.ReloadWithAudit(serviceContext(c, rc), rc); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"tables": a.svc.TableNames()})
}

// --- RLS policy introspection/admin endpoints ---

func (a *API) handleListPolicies(c fiber.Ctx) error {
	table := c.Params("table")
	policies, err := a.store.PoliciesFor(c.RequestCtx(), table, rlsstore.CommandAll, rlsstore.RolePublic)
	if err != nil {
		return writeError(c, err)
	}
	enabled, err := a.store.IsEnabled(c.RequestCtx(), table)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"table": table, "rls_enabled": enabled, "policies": policies})
}

func (a *API) handleEnableRLS(c fiber.Ctx) error {
	table := c.Params("table")
	if err := a.store.EnableRLS(c.RequestCtx(), table); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"table": table, "rls_enabled": true})
}

func (a *API) handleDisableRLS(c fiber.Ctx) error {
	table := c.Params("table")
	if err := a.store.DisableRLS(c.RequestCtx(), table); err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"table": table, "rls_enabled": false})
}

type policyRequest struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	Role      string `json:"role"`
	Using     string `json:"using"`
	WithCheck string `json:"with_check"`
}

func (a *API) handleCreatePolicy(c fiber.Ctx) error {
	table := c.Params("table")

	var req policyRequest
	if err := c.Bind().Body(&req); err != nil {
		return writeError(c, apierr.Validation("invalid policy payload"))
	}
	if req.Name == "" {
		return writeError(c, apierr.Validation("policy name is required"))
	}

	policy := rlsstore.Policy{
		Name:      req.Name,
		Table:     table,
		Command:   rlsstore.CommandFromAST(req.Command),
		Role:      req.Role,
		Using:     req.Using,
		WithCheck: req.WithCheck,
	}
	if err := a.store.CreatePolicy(c.RequestCtx(), policy); err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(policy)
}

func (a *API) handleDropPolicy(c fiber.Ctx) error {
	table := c.Params("table")
	name := c.Params("name")
	if err := a.store.DropPolicy(c.RequestCtx(), table, name); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// writeError renders any error into the JSON error envelope, logging
// execution-kind errors at warn level (they indicate a database or
// driver problem, not a bad request).
func writeError(c fiber.Ctx, err error) error {
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		apiErr = apierr.Execution(err)
	}
	if apiErr.Kind == apierr.KindExecution {
		log.Warn().Err(err).Msg("query execution failed")
	}
	return c.Status(apiErr.HTTPStatus()).JSON(apiErr.Envelope())
}
