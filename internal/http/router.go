package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/auth"
	"github.com/signalix/devicegate/internal/http/handlers"
	"github.com/signalix/devicegate/internal/middleware"
)

// Routes bundles the handlers mounted by NewRouter.
type Routes struct {
	Admin    *handlers.AdminHandler
	Devices  *handlers.DeviceHandler
	Commands *handlers.CommandHandler
	Health   *handlers.HealthHandler

	// DeviceSocket serves the device websocket channel.
	DeviceSocket http.Handler
	// ObserverSocket serves the admin event stream; it authorizes its own upgrade.
	ObserverSocket http.Handler
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(routes Routes, jwtService *auth.JWTService, loginLimiter *middleware.RateLimiter, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(log))
	r.Use(chimw.Recoverer)

	r.Get("/health", routes.Health.ServeHTTP)
	r.Handle("/ws/device", routes.DeviceSocket)
	r.Handle("/ws/admin", routes.ObserverSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", routes.Health.HandleStatus)
		r.Get("/ping", routes.Health.HandlePing)

		// Device-facing routes carry no admin token.
		r.Post("/register", routes.Devices.HandleRegister)
		r.Post("/update-status", routes.Devices.HandleUpdateStatus)
		r.Post("/user/update-sim", routes.Devices.HandleUpdateSim)

		r.With(middleware.RateLimitMiddleware(loginLimiter, middleware.GetIPKey)).
			Post("/admin-login", routes.Admin.HandleLogin)

		// Protected routes (require valid admin JWT)
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(jwtService))

			r.Post("/admin-refresh", routes.Admin.HandleRefresh)
			r.Post("/verify-delete-password", routes.Admin.HandleVerifyDeletePassword)

			r.Get("/users", routes.Devices.HandleList)
			r.Get("/users/{deviceId}", routes.Devices.HandleGet)
			r.Post("/users/{deviceId}/delete", routes.Devices.HandleDelete)
			r.Delete("/users/{deviceId}", routes.Devices.HandleDelete)
			r.Post("/delete-all", routes.Devices.HandleDeleteAll)
			r.Get("/sms/{deviceId}", routes.Devices.HandleMessages)
			r.Get("/sms/{deviceId}/latest", routes.Devices.HandleLatest)

			r.Post("/call-forward", routes.Commands.HandleCallForward)
			r.Post("/send-sms", routes.Commands.HandleSendSMS)
			r.Post("/check-call-forwarding/{deviceId}", routes.Commands.HandleCheckForwarding)
			r.Get("/commands/{deviceId}", routes.Commands.HandleList)
			r.Patch("/command-status/{commandId}", routes.Commands.HandleUpdateStatus)
			r.Post("/toggle-auto-execution", routes.Commands.HandleToggleAutoExecution)
		})
	})

	return r
}
