package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/rooms-watchdog/internal/console/handler"
	"github.com/xela07ax/rooms-watchdog/internal/domain"
	"github.com/xela07ax/rooms-watchdog/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	authHandler     *handler.AuthHandler     // /auth/token
	watchdogHandler *handler.WatchdogHandler // /v1/watchdog
	auditHandler    *handler.AuditHandler    // /v1/watchdog/events
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	watchdogH *handler.WatchdogHandler,
	auditH *handler.AuditHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		authHandler:     authH,
		watchdogHandler: watchdogH,
		auditHandler:    auditH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Post("/auth/token", s.authHandler.Login)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Route("/v1/watchdog", func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Чтение
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeRead, s.logger))
			r.Get("/status", s.watchdogHandler.Status)
			r.Post("/check", s.watchdogHandler.Check)
			r.Get("/events", s.auditHandler.GetEvents)
		})

		// Управление: мониторинг, нарушения, зачистка, штатная запись
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(domain.ScopeAdmin, s.logger))
			r.Post("/start", s.watchdogHandler.Start)
			r.Post("/stop", s.watchdogHandler.Stop)
			r.Post("/violations", s.watchdogHandler.RecordViolation)
			r.Post("/violations/reset", s.watchdogHandler.ResetViolations)
			r.Post("/wipe", s.watchdogHandler.Wipe)
			r.Put("/slots/{key}", s.watchdogHandler.WriteSlot)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
