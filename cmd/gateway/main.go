package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gradeworks/examengine/internal/aigrading"
	api "github.com/gradeworks/examengine/internal/api/http"
	"github.com/gradeworks/examengine/internal/attempt"
	"github.com/gradeworks/examengine/internal/audit"
	auth "github.com/gradeworks/examengine/internal/auth/middleware"
	"github.com/gradeworks/examengine/internal/config"
	"github.com/gradeworks/examengine/internal/db"
	"github.com/gradeworks/examengine/internal/exam"
	"github.com/gradeworks/examengine/internal/grading"
	"github.com/gradeworks/examengine/internal/lock"
	"github.com/gradeworks/examengine/internal/rbac"
)

func main() {
	cfg := config.FromEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	store := exam.NewSQLStore(dbh)
	events := audit.NewSQLLog(dbh)

	policy := aigrading.Policy{
		StrictnessPercent:   cfg.AIStrictnessPercent,
		EnablePartialCredit: cfg.AIPartialCredit,
		ConsiderSpelling:    cfg.AIConsiderSpelling,
		ConsiderGrammar:     cfg.AIConsiderGrammar,
	}
	grader := aigrading.NewClient(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, cfg.AIMaxRetries)

	mgr := attempt.NewManager(store, grading.NewEngine(), lock.NewStatic(cfg.SystemLocked), events)
	queue := aigrading.NewQueue(grader, policy, int64(cfg.AIMaxConcurrent), mgr.CompleteAIGrading)
	mgr.SetQueue(queue)
	coord := attempt.NewCoordinator(mgr, grader, policy, int64(cfg.AIMaxConcurrent))

	authSvc := auth.NewAuthService(cfg.AuthSecret)
	checker := rbac.NewChecker(nil)

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := cfg.CORSOriginsOffline
	if cfg.Mode == config.ModeOnline {
		origins = cfg.CORSOriginsOnline
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Post("/auth/login", auth.LoginHandler(authSvc, dbh, cfg.AdminUser, cfg.AdminPassHash))

	// Protected API (JWT → subject+role in context → RBAC)
	r.Group(func(pr chi.Router) {
		pr.Use(auth.JWTMiddleware(authSvc))

		pr.With(rbac.Require("exam:create")).
			Post("/exams", api.UploadExamHandler(store))
		pr.With(rbac.Require("exam:view")).
			Get("/exams/{examID}", api.GetExamHandler(store))

		// Student flow
		pr.With(rbac.Require("attempt:start")).
			Post("/attempts", api.StartAttemptHandler(mgr))
		pr.With(rbac.Require("attempt:save")).
			Post("/attempts/{attemptID}/answers", api.SaveAnswerHandler(mgr))
		pr.With(rbac.Require("attempt:select")).
			Post("/attempts/{attemptID}/selections", api.SelectQuestionHandler(mgr))
		pr.With(rbac.Require("attempt:select")).
			Delete("/attempts/{attemptID}/selections", api.DeselectQuestionHandler(mgr))
		pr.With(rbac.Require("attempt:submit")).
			Post("/attempts/{attemptID}/submit", api.SubmitAttemptHandler(mgr))
		pr.With(rbac.RequireAny("attempt:view-own", "attempt:view-all")).
			Get("/attempts/{attemptID}", api.GetResultHandler(mgr))
		pr.With(rbac.RequireAny("attempt:view-own", "attempt:view-all")).
			Get("/attempts", api.ListAttemptsHandler(store, checker))

		// Grading and regrading
		pr.With(rbac.Require("grade:manual")).
			Post("/attempts/{attemptID}/grades", api.ApplyManualGradesHandler(mgr))
		pr.With(rbac.Require("grade:ai")).
			Post("/attempts/{attemptID}/ai-grading", api.TriggerAIGradingHandler(mgr))
		pr.With(rbac.Require("regrade:run")).
			Post("/attempts/{attemptID}/regrade", api.RegradeHandler(coord))
		pr.With(rbac.Require("regrade:run")).
			Post("/exams/{examID}/regrade-all", api.RegradeAllHandler(coord))

		// Roster
		pr.With(rbac.Require("users:bulk_upsert")).
			Post("/users/bulk", api.BulkUpsertUsersHandler(dbh))
		pr.With(rbac.Require("users:list")).
			Get("/users", api.ListUsersHandler(dbh))
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	log.Printf("listening on %s (mode=%s, db=%s)", cfg.HTTPAddr, cfg.Mode, cfg.DBDriver)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}
