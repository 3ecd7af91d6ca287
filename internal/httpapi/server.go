package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Veraticus/kirogate/internal/pool"
)

// SyntheticModelID is the single model id this gateway advertises and
// accepts; the "model" request field is otherwise ignored.
const SyntheticModelID = "kiro-gateway"

const serviceName = "kirogate"

// CompletionsHandler is satisfied by the bridge's handler; kept as an
// interface here so httpapi never imports internal/bridge directly.
type CompletionsHandler interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Facade is the top-level HTTP router: health/models/sessions/CORS are
// handled here directly; completions are delegated to a
// CompletionsHandler the caller supplies.
type Facade struct {
	pool        *pool.Pool
	completions CompletionsHandler
	log         *slog.Logger
}

// NewFacade builds the route dispatcher. p is used to serve GET
// /sessions diagnostics; completions handles POST /v1/chat/completions.
func NewFacade(p *pool.Pool, completions CompletionsHandler) *Facade {
	return &Facade{pool: p, completions: completions, log: slog.Default().With("component", "httpapi")}
}

func (f *Facade) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Kiro-Session-Id")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch {
	case r.Method == http.MethodGet && (r.URL.Path == "/health" || r.URL.Path == "/"):
		f.handleHealth(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/v1/models":
		f.handleModels(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/sessions":
		f.handleSessions(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/v1/chat/completions":
		f.completions.ServeHTTP(w, r)
	default:
		WriteJSONError(w, http.StatusNotFound, "not_found_error", "Not found")
	}
}

func (f *Facade) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": serviceName})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type modelsList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (f *Facade) handleModels(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(modelsList{
		Object: "list",
		Data:   []modelEntry{{ID: SyntheticModelID, Object: "model", OwnedBy: serviceName}},
	})
}

func (f *Facade) handleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(f.pool.Diagnostics())
}
