package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"tradeyard/internal/domain"
	"tradeyard/internal/engine"
	"tradeyard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"match m-1 is CONFIRMED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"cursor\":\"abc\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Tradeyard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the required envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(httpMetricsMiddleware)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Tradeyard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerMarkets(group, cfg.Engine)
	registerIntents(group, cfg.Engine)
	registerMatches(group, cfg.Engine)
	registerRelationships(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrIdempotencyMismatch) {
		return newAPIError(http.StatusUnprocessableEntity, "idempotency_mismatch", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInvalidTransition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "lacks the"),
		strings.Contains(lowered, "is closed"),
		strings.Contains(lowered, "is suspended"),
		strings.Contains(lowered, "is inactive"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "must") ||
		strings.Contains(lowered, "convert"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tradeyard API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	type marketPath struct {
		MarketID string `path:"market_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/markets/{market_id}/status",
		Summary:     "Market status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *marketPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		m, err := e.Repo.GetMarket(ctx, input.MarketID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountIntentsByStatus(ctx, m.ID)
		if err != nil {
			return nil, handleError(err)
		}
		seq, err := e.Repo.LatestEventSeq(ctx, m.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"market_id":        m.ID,
			"status":           m.Status,
			"intent_counts":    counts,
			"latest_event_seq": seq,
		}}, nil
	})
}

func registerMarkets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-market-config",
		Method:      http.MethodGet,
		Path:        "/markets/{market_id}/config",
		Summary:     "Get market config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MarketID string `path:"market_id"`
	}) (*struct {
		Body MarketConfigResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetMarket(ctx, input.MarketID); err != nil {
			return nil, handleError(err)
		}
		cfg, err := e.Repo.GetMarketConfig(ctx, input.MarketID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			cfg = e.Config
		}
		return &struct {
			Body MarketConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-market",
		Method:      http.MethodPost,
		Path:        "/markets/{market_id}/sweep",
		Summary:     "Expire overdue intents and retry matching",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MarketID string `path:"market_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetMarket(ctx, input.MarketID); err != nil {
			return nil, handleError(err)
		}
		expired, matched, err := e.Sweep(ctx, input.MarketID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"expired": expired,
			"matched": matched,
		}}, nil
	})
}

func registerIntents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-intent",
		Method:        http.MethodPost,
		Path:          "/markets/{market_id}/intents",
		Summary:       "Create intent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		MarketID       string              `path:"market_id"`
		IdempotencyKey string              `header:"Idempotency-Key"`
		Body           CreateIntentRequest `json:"body"`
	}) (*struct {
		Body CreateIntentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Side == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "side is required", nil)
		}
		if input.Body.PartnerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "partner_id is required", nil)
		}
		if input.Body.CommodityID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "commodity_id is required", nil)
		}
		if input.Body.Quantity == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "quantity is required", nil)
		}
		if input.Body.LocationID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "location_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		idemKey := strings.TrimSpace(input.IdempotencyKey)
		if idemKey == "" {
			idemKey = strPtrValue(input.Body.IdempotencyKey)
		}
		opts := engine.IntentCreateOptions{
			ID:             strPtrValue(input.Body.ID),
			MarketID:       input.MarketID,
			Side:           domain.Side(input.Body.Side),
			PartnerID:      input.Body.PartnerID,
			CounterpartyID: strPtrValue(input.Body.CounterpartyID),
			CommodityID:    input.Body.CommodityID,
			Quantity:       input.Body.Quantity,
			Price:          strPtrValue(input.Body.Price),
			LocationID:     input.Body.LocationID,
			DeliveryTerms:  input.Body.DeliveryTerms,
			PaymentTerms:   input.Body.PaymentTerms,
			Quality:        input.Body.Quality,
			IdempotencyKey: idemKey,
			ActorID:        actorID,
		}
		if input.Body.TTLHours != nil {
			opts.TTLHours = *input.Body.TTLHours
		}
		res, err := e.CreateIntent(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		observeIntentOutcome(res.Outcome)
		return &struct {
			Body CreateIntentResponse `json:"body"`
		}{Body: createResultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/markets/{market_id}/intents",
		Summary:     "List intents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MarketID    string `path:"market_id"`
		Status      string `query:"status" enum:"CREATED,RISK_PENDING,RISK_BLOCKED,RISK_PASSED,MATCHING,MATCHED,EXPIRED,CANCELLED"`
		Side        string `query:"side" enum:"BUY,SELL"`
		PartnerID   string `query:"partner_id"`
		CommodityID string `query:"commodity_id"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedIntents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListIntents(ctx, repo.IntentFilters{
			MarketID:        input.MarketID,
			Status:          input.Status,
			Side:            input.Side,
			PartnerID:       input.PartnerID,
			CommodityID:     input.CommodityID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedIntents{Items: []IntentResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
		}
		resp.Items = mapIntents(items)
		return &struct {
			Body paginatedIntents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}",
		Summary:     "Get intent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntentID string `path:"intent_id"`
	}) (*struct {
		Body IntentResponse `json:"body"`
	}, error) {
		in, err := e.Repo.GetIntent(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		if !marketMatches(marketFromHeader(ctx, ""), in.MarketID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "intent not found", nil)
		}
		return &struct {
			Body IntentResponse `json:"body"`
		}{Body: intentResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-intent",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/cancel",
		Summary:     "Cancel intent",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		IntentID string `path:"intent_id"`
	}) (*struct {
		Body IntentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CancelIntent(ctx, input.IntentID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntentResponse `json:"body"`
		}{Body: intentResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent-risk",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}/risk",
		Summary:     "Latest risk assessment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntentID string `path:"intent_id"`
	}) (*struct {
		Body AssessmentResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetIntent(ctx, input.IntentID); err != nil {
			return nil, handleError(err)
		}
		a, err := e.Repo.LatestAssessment(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssessmentResponse `json:"body"`
		}{Body: assessmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-intent-assessments",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}/assessments",
		Summary:     "Assessment history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntentID string `path:"intent_id"`
	}) (*struct {
		Body []AssessmentResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetIntent(ctx, input.IntentID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssessments(ctx, input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]AssessmentResponse, 0, len(items))
		for _, a := range items {
			res = append(res, assessmentResponse(a))
		}
		return &struct {
			Body []AssessmentResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerMatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-matches",
		Method:      http.MethodGet,
		Path:        "/markets/{market_id}/matches",
		Summary:     "List matches",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MarketID string `path:"market_id"`
		Status   string `query:"status" enum:"PROPOSED,CONFIRMED,REJECTED"`
		IntentID string `query:"intent_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedMatches `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListMatches(ctx, repo.MatchFilters{
			MarketID:        input.MarketID,
			Status:          input.Status,
			IntentID:        input.IntentID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedMatches{Items: []MatchResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
		}
		resp.Items = mapMatches(items)
		return &struct {
			Body paginatedMatches `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-match",
		Method:      http.MethodGet,
		Path:        "/matches/{match_id}",
		Summary:     "Get match",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MatchID string `path:"match_id"`
	}) (*struct {
		Body MatchResponse `json:"body"`
	}, error) {
		m, err := e.Repo.GetMatch(ctx, input.MatchID)
		if err != nil {
			return nil, handleError(err)
		}
		if !marketMatches(marketFromHeader(ctx, ""), m.MarketID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "match not found", nil)
		}
		return &struct {
			Body MatchResponse `json:"body"`
		}{Body: matchResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-match",
		Method:      http.MethodPost,
		Path:        "/matches/{match_id}/confirm",
		Summary:     "Confirm match",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MatchID string `path:"match_id"`
	}) (*struct {
		Body MatchResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.ConfirmMatch(ctx, input.MatchID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		observeMatchDecision("confirmed")
		return &struct {
			Body MatchResponse `json:"body"`
		}{Body: matchResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-match",
		Method:      http.MethodPost,
		Path:        "/matches/{match_id}/reject",
		Summary:     "Reject match and requeue both intents",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		MatchID string             `path:"match_id"`
		Body    RejectMatchRequest `json:"body"`
	}) (*struct {
		Body MatchResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RejectMatch(ctx, input.MatchID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		observeMatchDecision("rejected")
		return &struct {
			Body MatchResponse `json:"body"`
		}{Body: matchResponse(m)}, nil
	})
}

func registerRelationships(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-relationship",
		Method:      http.MethodGet,
		Path:        "/markets/{market_id}/relationships/{partner_id}/{other_id}",
		Summary:     "Pairwise relationship score",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MarketID  string `path:"market_id"`
		PartnerID string `path:"partner_id"`
		OtherID   string `path:"other_id"`
	}) (*struct {
		Body RelationshipResponse `json:"body"`
	}, error) {
		if input.PartnerID == input.OtherID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "partner ids must differ", nil)
		}
		if _, err := e.Repo.GetMarket(ctx, input.MarketID); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Dir.PartnerProfile(ctx, input.PartnerID); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Dir.PartnerProfile(ctx, input.OtherID); err != nil {
			return nil, handleError(err)
		}
		rel, err := e.Rel.Get(ctx, input.PartnerID, input.OtherID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RelationshipResponse `json:"body"`
		}{Body: relationshipResponse(rel)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/markets/{market_id}/events",
		Summary:     "List outbox events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MarketID    string `path:"market_id"`
		Type        string `query:"type"`
		AggregateID string `query:"aggregate_id"`
		Published   string `query:"published" enum:"true,false"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var afterSeq int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			afterSeq = parsed
		}
		var published *bool
		if input.Published != "" {
			v := input.Published == "true"
			published = &v
		}
		items, err := e.Repo.ListOutboxEvents(ctx, repo.OutboxFilters{
			MarketID:    input.MarketID,
			Type:        input.Type,
			AggregateID: input.AggregateID,
			Published:   published,
			Limit:       limit + 1,
			AfterSeq:    afterSeq,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []OutboxEventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, outboxEventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dead-events",
		Method:      http.MethodGet,
		Path:        "/markets/{market_id}/outbox/dlq",
		Summary:     "List dead-lettered events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		MarketID string `path:"market_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body deadEventList `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeadEvents(ctx, input.MarketID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := deadEventList{Items: []DeadEventResponse{}}
		for _, d := range items {
			resp.Items = append(resp.Items, deadEventResponse(d))
		}
		return &struct {
			Body deadEventList `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func marketFromHeader(ctx context.Context, fallback string) string {
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Market-Id")); v != "" {
			return v
		}
	}
	return fallback
}

func marketMatches(expected, actual string) bool {
	if expected == "" {
		return true
	}
	return expected == actual
}
