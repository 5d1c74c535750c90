package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/tour-booking/internal/config"
	"github.com/iliyamo/tour-booking/internal/handler"
	"github.com/iliyamo/tour-booking/internal/middleware"
)

// Handlers bundles everything the routes dispatch to.
type Handlers struct {
	Sessions *handler.PaymentSessionHandler
	Refunds  *handler.RefundHandler
	Webhooks *handler.WebhookHandler
	Health   echo.HandlerFunc
}

// RegisterRoutes mounts the API on e.
//
// Public: health, availability, the provider return URLs and webhooks.
// Customer (JWT): checkout, session status and cancel, self-service
// booking cancellation.  Admin (JWT + ADMIN): refunds and schedule
// cancellation.  Checkout and webhooks are rate limited through Redis
// when rdb is non-nil.
func RegisterRoutes(e *echo.Echo, h Handlers, jwtSecret string, limits config.RateLimits, rdb *redis.Client) {
	e.GET("/healthz", h.Health)

	v1 := e.Group("/v1")
	v1.GET("/schedules/:id/availability", h.Sessions.Availability)

	// Provider return URLs carry their own unguessable token.
	v1.GET("/payment-sessions/confirm", h.Sessions.Confirm)
	v1.POST("/payment-sessions/confirm", h.Sessions.Confirm)
	v1.GET("/payment-sessions/confirm/mercadopago", h.Sessions.ConfirmMercadoPago)

	v1.POST("/webhooks/:provider", h.Webhooks.Receive, middleware.NewTokenBucket(limits.Webhook, rdb))

	// Both role sets live under /v1 with overlapping prefixes, so the
	// guards are attached per route rather than through groups.
	auth := middleware.JWTAuth(jwtSecret)
	customer := []echo.MiddlewareFunc{auth, middleware.RequireRole(middleware.RoleCustomer, middleware.RoleAdmin)}
	admin := []echo.MiddlewareFunc{auth, middleware.RequireRole(middleware.RoleAdmin)}

	v1.POST("/payment-sessions", h.Sessions.Create, append(customer, middleware.NewTokenBucket(limits.Checkout, rdb))...)
	v1.GET("/payment-sessions/:id/status", h.Sessions.Status, customer...)
	v1.POST("/payment-sessions/:id/cancel", h.Sessions.Cancel, customer...)
	v1.POST("/refunds/booking/:id/cancel", h.Refunds.CancelOwn, customer...)

	v1.POST("/refunds/booking/:id", h.Refunds.Refund, admin...)
	v1.POST("/admin/schedules/:id/cancel", h.Refunds.CancelSchedule, admin...)
}
