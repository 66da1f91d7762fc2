// Package server exposes colonnade's operations over HTTP.
package server

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/internal/app"
	"github.com/jacentio/colonnade/store"
)

// Server handles the HTTP API.
type Server struct {
	app *app.App
}

// New creates a Server over a.
func New(a *app.App) *Server {
	return &Server{app: a}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/keyspaces", s.CreateKeyspace)
	api.DELETE("/keyspaces/:name", s.DropKeyspace)
	api.POST("/statements", s.Execute)
	api.POST("/batches", s.ExecuteBatch)
	api.POST("/select", s.Select)
	api.POST("/documents/select", s.SelectDocuments)
	api.POST("/tables/:table/rows", s.Insert)
	api.DELETE("/tables/:table/rows", s.Delete)
	api.GET("/tables/:table/nextpk", s.NextPK)
	api.POST("/views/clear", s.ClearViews)

	return router
}

type keyspaceRequest struct {
	Name              string `json:"name"`
	Strategy          string `json:"strategy"`
	ReplicationFactor int    `json:"replicationFactor"`
}

// CreateKeyspace creates a keyspace and makes it active.
func (s *Server) CreateKeyspace(c *gin.Context) {
	var req keyspaceRequest
	if !bind(c, &req) {
		return
	}
	ks := store.Keyspace{Name: req.Name, Strategy: req.Strategy, ReplicationFactor: req.ReplicationFactor}
	if err := s.app.Keyspaces.Create(c.Request.Context(), ks); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"keyspace": s.app.Backend.Keyspace()})
}

// DropKeyspace drops a keyspace if it exists.
func (s *Server) DropKeyspace(c *gin.Context) {
	if err := s.app.Keyspaces.Drop(c.Request.Context(), c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type statementRequest struct {
	Statement string `json:"statement"`
	Params    []any  `json:"params"`
	// Kind is "read" or "write".
	Kind string `json:"kind"`
}

// Execute runs one statement against the store.
func (s *Server) Execute(c *gin.Context) {
	var req statementRequest
	if !bind(c, &req) {
		return
	}
	kind, ok := parseKind(req.Kind)
	if !ok {
		respond(c, http.StatusBadRequest, gin.H{"error": "kind must be read or write"})
		return
	}
	params := make([]any, len(req.Params))
	for i, p := range req.Params {
		params[i] = param(p)
	}
	out, err := s.app.Executor.Execute(c.Request.Context(), kind, req.Statement, params...)
	if err != nil {
		fail(c, err)
		return
	}
	if out.Acknowledged {
		respond(c, http.StatusOK, gin.H{"acknowledged": true})
		return
	}
	respond(c, http.StatusOK, gin.H{"columns": out.Rows.ColumnNames(), "rows": out.Rows.Maps()})
}

type batchRequest struct {
	Fragments []string `json:"fragments"`
}

// ExecuteBatch submits the fragments as one atomic batch.
func (s *Server) ExecuteBatch(c *gin.Context) {
	var req batchRequest
	if !bind(c, &req) {
		return
	}
	if err := s.app.Executor.ExecuteBatch(c.Request.Context(), req.Fragments); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"applied": len(req.Fragments)})
}

type selectRequest struct {
	Tables []string `json:"tables"`
	Query  string   `json:"query"`
	Format string   `json:"format"`
}

// Select runs a query over the named tables.
func (s *Server) Select(c *gin.Context) {
	var req selectRequest
	if !bind(c, &req) {
		return
	}
	format, err := engine.ParseFormat(req.Format)
	if err != nil {
		respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.app.Router.Select(c.Request.Context(), req.Tables, req.Query, format)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, result(res))
}

type documentsRequest struct {
	Name   string            `json:"name"`
	Rows   []json.RawMessage `json:"rows"`
	Query  string            `json:"query"`
	Format string            `json:"format"`
}

// SelectDocuments registers the request's rows as a view and queries them.
func (s *Server) SelectDocuments(c *gin.Context) {
	var req documentsRequest
	if !bind(c, &req) {
		return
	}
	format, err := engine.ParseFormat(req.Format)
	if err != nil {
		respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.app.Mutator.RegisterRows(c.Request.Context(), req.Name, docs(req.Rows), req.Query, format)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, result(res))
}

type insertRequest struct {
	Rows []json.RawMessage `json:"rows"`
	Mode string            `json:"mode"`
}

// Insert writes JSON rows into a table.
func (s *Server) Insert(c *gin.Context) {
	var req insertRequest
	if !bind(c, &req) {
		return
	}
	mode, err := store.ParseSaveMode(req.Mode)
	if err != nil {
		fail(c, err)
		return
	}
	res, err := s.app.Mutator.InsertDocuments(c.Request.Context(), c.Param("table"), docs(req.Rows), mode)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"table": res.Table, "mode": res.Mode, "written": res.Written})
}

// Delete removes the rows matching the where query parameter.
func (s *Server) Delete(c *gin.Context) {
	res, err := s.app.Mutator.Delete(c.Request.Context(), c.Param("table"), c.Query("where"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"table":      res.Table,
		"deleted":    res.Deleted,
		"remaining":  res.Remaining,
		"generation": res.Generation,
	})
}

// NextPK returns the next key for a table.
func (s *Server) NextPK(c *gin.Context) {
	strategy := c.DefaultQuery("strategy", app.StrategyCounter)
	n, err := s.app.NextPK(c.Request.Context(), c.Param("table"), strategy)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"table": strings.ToLower(c.Param("table")), "strategy": strategy, "next": n})
}

// ClearViews evicts every view from the engine.
func (s *Server) ClearViews(c *gin.Context) {
	if err := s.app.Router.Binder().ClearAll(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bind decodes the request body with go-json, so numbers keep their exact form.
func bind(c *gin.Context, v any) bool {
	body, err := c.GetRawData()
	if err != nil {
		respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		respond(c, http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func respond(c *gin.Context, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(status, "application/json; charset=utf-8", body)
}

// fail maps an operation error onto an HTTP status.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, store.ErrConnectivity):
		status = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrInvalidName),
		errors.Is(err, store.ErrSchemaMismatch),
		errors.Is(err, store.ErrStatement):
		status = http.StatusBadRequest
	}
	body := gin.H{"error": err.Error()}
	if loc := store.LocationOf(err); loc != "" {
		body["location"] = loc
	}
	respond(c, status, body)
}

func parseKind(s string) (store.OpKind, bool) {
	switch strings.ToLower(s) {
	case "", "read":
		return store.OpRead, true
	case "write":
		return store.OpWrite, true
	}
	return store.OpRead, false
}

// param turns a decoded JSON number into int64 or float64.
func param(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func docs(rows []json.RawMessage) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = string(r)
	}
	return out
}

func result(res *engine.Result) gin.H {
	body := gin.H{"format": res.Format.String(), "count": res.Len()}
	switch res.Format {
	case engine.FormatJSON:
		rows := make([]json.RawMessage, len(res.JSON))
		for i, doc := range res.JSON {
			rows[i] = json.RawMessage(doc)
		}
		body["rows"] = rows
	case engine.FormatFlat:
		body["values"] = res.Flat
	default:
		cols := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			cols[i] = col.Name
		}
		body["columns"] = cols
		body["rows"] = res.Rows
	}
	return body
}
