/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. hlog:       zerolog logger in the request context + access log line
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the finance UI

ROUTE GROUPS:
  /healthz              Liveness
  /api/lines/*          Lines, month tables, adjustments
  /api/submissions/*    Approval submissions
  /api/assignments/*    Activity assignments
  /api/nonpo/*          Non-PO forms
  /api/rules/*          Approval rules, matching, interpretation
  /api/approvers        Approver directory
  /api/admin/*          Materialization and imports
  /api/audit            Audit trail

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// RouterOptions configures NewRouter. Zero values are usable.
type RouterOptions struct {
	Logger      zerolog.Logger
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:3000"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/lines", func(r chi.Router) {
			r.Get("/", h.ListLines)
			r.Get("/period", h.PeriodLines)
			r.Get("/activity", h.ActivityLines)
			r.Post("/bulk-clear", h.BulkClear)
			r.Get("/{id}", h.GetLine)
			r.Put("/{id}/adjustment", h.SaveAdjustment)
			r.Put("/{id}/category", h.ChangeCategory)
			r.Get("/{id}/assignments", h.LineAssignments)
		})

		r.Route("/submissions", func(r chi.Router) {
			r.Get("/", h.ListSubmissions)
			r.Post("/", h.SubmitForApproval)
			r.Get("/{id}", h.GetSubmission)
			r.Post("/{id}/approve", h.ApproveSubmission)
			r.Post("/{id}/reject", h.RejectSubmission)
			r.Post("/{id}/recall", h.RecallSubmission)
			r.Post("/{id}/nudge", h.NudgeSubmission)
		})

		r.Route("/assignments", func(r chi.Router) {
			r.Post("/", h.AssignActivity)
			r.Post("/submit", h.SubmitActivity)
			r.Post("/{id}/respond", h.RespondActivity)
			r.Post("/{id}/return", h.ReturnAssignment)
			r.Post("/{id}/recall", h.RecallAssignment)
			r.Post("/{id}/nudge", h.NudgeAssignment)
		})

		r.Route("/nonpo", func(r chi.Router) {
			r.Get("/forms", h.ListForms)
			r.Post("/forms", h.CreateForm)
			r.Get("/forms/{id}/assignments", h.FormAssignments)
			r.Post("/forms/{id}/assign", h.AssignForm)
			r.Put("/assignments/{id}/submission", h.SaveFormSubmission)
			r.Post("/assignments/{id}/submit", h.SubmitForm)
			r.Post("/assignments/{id}/return", h.ReturnForm)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/match", h.MatchRules)
			r.Post("/interpret", h.InterpretRule)
			r.Get("/{id}", h.GetRule)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
		})

		r.Route("/approvers", func(r chi.Router) {
			r.Get("/", h.ListApprovers)
			r.Post("/", h.SaveApprover)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/materialize", h.Materialize)
			r.Post("/import/lines", h.ImportLines)
			r.Post("/import/grns", h.ImportGrns)
		})

		r.Get("/audit", h.ListAudit)
	})

	return r
}
