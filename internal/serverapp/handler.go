package serverapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"temporal-graphql/internal/engineerr"
	"temporal-graphql/internal/fieldtree"
	"temporal-graphql/internal/logging"
	"temporal-graphql/internal/resolver"
	"temporal-graphql/internal/result"
	"temporal-graphql/internal/temporal"
)

// queryRequest is the body of POST /query and POST /explain. A request
// carries either GraphQL text in Query or a field tree in Fields.
type queryRequest struct {
	Query         string           `json:"query"`
	OperationName string           `json:"operationName"`
	Variables     map[string]any   `json:"variables"`
	Context       *temporalContext `json:"context"`
	Fields        []any            `json:"fields"`
}

type temporalContext struct {
	ValidOn     string `json:"validOn"`
	AvailableOn string `json:"availableOn"`
}

// decodeRequest turns a request body into a document. Context from the
// body fills in instants the query itself leaves unset.
func decodeRequest(body []byte) (*fieldtree.Document, error) {
	var req queryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, engineerr.Configf("", "malformed request body: %v", err)
	}

	var (
		doc *fieldtree.Document
		err error
	)
	switch {
	case req.Query != "" && req.Fields != nil:
		return nil, engineerr.Configf("", "request carries both query and fields")
	case req.Query != "":
		doc, err = fieldtree.ParseGraphQL(req.Query, req.OperationName, req.Variables)
	case req.Fields != nil:
		raw := map[string]any{"fields": req.Fields}
		if req.Context != nil {
			raw["context"] = map[string]any{"validOn": req.Context.ValidOn, "availableOn": req.Context.AvailableOn}
		}
		return fieldtree.DecodeDocument(raw)
	default:
		return nil, engineerr.Configf("", "request carries neither query nor fields")
	}
	if err != nil {
		return nil, err
	}
	if req.Context != nil {
		if doc.ValidOn, err = mergeInstant("context.validOn", doc.ValidOn, req.Context.ValidOn); err != nil {
			return nil, err
		}
		if doc.AvailableOn, err = mergeInstant("context.availableOn", doc.AvailableOn, req.Context.AvailableOn); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func mergeInstant(path, fromQuery, fromBody string) (string, error) {
	switch {
	case fromBody == "" || fromBody == fromQuery:
		return fromQuery, nil
	case fromQuery == "":
		return fromBody, nil
	default:
		return "", engineerr.Configf(path, "conflicts with the value given in the query (%q, %q)", fromQuery, fromBody)
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
		return nil, false
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("request body too large"))
		} else {
			writeJSON(w, http.StatusBadRequest, errorBody("failed to read request body"))
		}
		return nil, false
	}
	return buf.Bytes(), true
}

// queryHandler resolves documents. Configuration errors answer 400 with
// no data; partial failures answer 200 with data and errors.
func queryHandler(res *resolver.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		logger := logging.FromContext(r.Context())

		doc, err := decodeRequest(body)
		if err == nil {
			var resp *result.Response
			if resp, err = res.Resolve(r.Context(), doc); err == nil {
				if len(resp.Errors) > 0 {
					logger.Warn("query resolved with errors", slog.Int("errors", len(resp.Errors)))
				}
				writeJSON(w, http.StatusOK, resp)
				return
			}
		}
		writeEngineError(w, logger, err)
	}
}

type explainedStatement struct {
	Field string `json:"field"`
	SQL   string `json:"sql"`
	Args  []any  `json:"args"`
}

// explainHandler returns the root statements a document would issue.
func explainHandler(res *resolver.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readBody(w, r)
		if !ok {
			return
		}
		logger := logging.FromContext(r.Context())

		doc, err := decodeRequest(body)
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}
		tctx, err := temporal.Parse(doc.ValidOn, doc.AvailableOn)
		if err != nil {
			writeEngineError(w, logger, engineerr.Configf("context", "%v", err))
			return
		}
		explained, err := res.Explain(doc.Roots, tctx)
		if err != nil {
			writeEngineError(w, logger, err)
			return
		}
		out := make([]explainedStatement, 0, len(explained))
		for _, e := range explained {
			args := e.Statement.Args
			if args == nil {
				args = []any{}
			}
			out = append(out, explainedStatement{Field: e.Field, SQL: e.Statement.SQL, Args: args})
		}
		writeJSON(w, http.StatusOK, map[string]any{"statements": out})
	}
}

func writeEngineError(w http.ResponseWriter, logger *logging.Logger, err error) {
	if engineerr.IsConfig(err) {
		logger.Info("rejected query", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, &result.Response{Errors: []error{err}})
		return
	}
	logger.Error("query failed", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
}

func errorBody(message string) map[string]any {
	return map[string]any{"errors": []result.ErrorEntry{{Message: message}}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// pinger is satisfied by *sqlx.DB and the triple store.
type pinger interface {
	PingContext(ctx context.Context) error
}

func healthHandler(db pinger, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed", slog.String("error", err.Error()), slog.String("check", "database"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}
		reqLogger.Debug("health check passed")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"status":"healthy","database":"ok"}`)
	}
}
