// Package shophttp declares the storefront API surface and its per-route
// security configuration. Handlers here are the thin edge of the ordering
// application; the interesting machinery is the pipeline wrapped around them
// by httpserver.
package shophttp

import (
	"encoding/json"
	"net/http"

	"github.com/keithlinneman/shopgate/internal/httpmw"
	"github.com/keithlinneman/shopgate/internal/ratelimit"
	"github.com/keithlinneman/shopgate/internal/routes"
	"github.com/keithlinneman/shopgate/internal/validate"
)

// Declarations returns the static route set supplied to the pipeline at
// startup. Each route names its rate class, CSRF exemption, and field rules.
func Declarations() []routes.Route {
	return []routes.Route{
		{
			Method:  http.MethodPost,
			Pattern: "/api/auth/login",
			Class:   ratelimit.ClassAuth,
			Rules: []validate.Rule{
				validate.Required("email"),
				validate.Email("email"),
				validate.Required("password"),
				validate.Length("password", 8, 128),
			},
			Handler: loginHandler,
		},
		{
			Method:  http.MethodGet,
			Pattern: "/api/orders",
			Class:   ratelimit.ClassGeneral,
			Handler: listOrdersHandler,
		},
		{
			Method:  http.MethodPost,
			Pattern: "/api/orders",
			Class:   ratelimit.ClassGeneral,
			Rules: []validate.Rule{
				validate.Required("item_id"),
				validate.Length("item_id", 1, 64),
				validate.Required("quantity"),
				validate.Range("quantity", 1, 100),
			},
			Handler: createOrderHandler,
		},
		{
			Method:  http.MethodPost,
			Pattern: "/api/contact",
			Class:   ratelimit.ClassGeneral,
			Rules: []validate.Rule{
				validate.Required("name"),
				validate.Length("name", 1, 100),
				validate.Required("email"),
				validate.Email("email"),
				validate.Required("message"),
				validate.Length("message", 1, 2000),
			},
			// customer messages may carry basic formatting
			RichFields: []string{"message"},
			Handler:    contactHandler,
		},
		{
			Method:     http.MethodPost,
			Pattern:    "/api/uploads",
			Class:      ratelimit.ClassUpload,
			CSRFExempt: true, // multipart ingestion, token travels out of band
			Handler:    uploadHandler,
		},
		{
			Method:     http.MethodPost,
			Pattern:    "/api/webhooks/payments",
			Class:      ratelimit.ClassGeneral,
			CSRFExempt: true, // inbound machine-to-machine, verified by signature upstream
			Handler:    webhookHandler,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Handlers below are deliberately thin: by the time they run, the request
// has passed headers, rate limiting, sanitization, CSRF, and validation.

func loginHandler(w http.ResponseWriter, r *http.Request) {
	body := httpmw.BodyFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "login accepted",
		"email":   body["email"],
	})
}

func listOrdersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"orders":  []any{},
	})
}

func createOrderHandler(w http.ResponseWriter, r *http.Request) {
	body := httpmw.BodyFromContext(r.Context())
	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"item_id":  body["item_id"],
		"quantity": body["quantity"],
	})
}

func contactHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "message received",
	})
}

func uploadHandler(w http.ResponseWriter, r *http.Request) {
	// body intentionally left to the storage layer; the pipeline already
	// bounded its size
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "upload accepted",
	})
}

func webhookHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
	})
}
