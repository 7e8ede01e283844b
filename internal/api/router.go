package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/traderhub/backend/internal/auth"
	"github.com/traderhub/backend/internal/middleware"
	"go.uber.org/zap"
)

// Router holds all handlers and creates the chi router
type Router struct {
	notificationHandler *NotificationHandler
	visitorHandler      *VisitorHandler
	chatHandler         *ChatHandler
	healthHandler       *HealthHandler
	jwtManager          *auth.JWTManager
	serviceKeyHash      string
	allowedOrigins      []string
	uploadDir           string
	logger              *zap.Logger
}

// NewRouter creates a new router
func NewRouter(
	notificationHandler *NotificationHandler,
	visitorHandler *VisitorHandler,
	chatHandler *ChatHandler,
	healthHandler *HealthHandler,
	jwtManager *auth.JWTManager,
	serviceKeyHash string,
	allowedOrigins []string,
	logger *zap.Logger,
) *Router {
	return &Router{
		notificationHandler: notificationHandler,
		visitorHandler:      visitorHandler,
		chatHandler:         chatHandler,
		healthHandler:       healthHandler,
		jwtManager:          jwtManager,
		serviceKeyHash:      serviceKeyHash,
		allowedOrigins:      allowedOrigins,
		logger:              logger,
	}
}

// ServeUploads exposes locally stored attachments under /uploads
func (rt *Router) ServeUploads(dir string) {
	rt.uploadDir = dir
}

// Setup configures and returns the chi router
func (rt *Router) Setup() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RecoveryMiddleware(rt.logger))
	r.Use(middleware.LoggingMiddleware(rt.logger))
	r.Use(middleware.CORSMiddleware(rt.allowedOrigins))

	// Health endpoints (no auth required)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", rt.healthHandler.Health)
		r.Get("/ready", rt.healthHandler.Ready)
		r.Get("/live", rt.healthHandler.Live)
	})

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/notifications/push/vapid-public-key", rt.notificationHandler.VAPIDPublicKey)

		// WebSocket is registered outside the compressed group so the
		// connection can be hijacked
		r.With(middleware.AuthMiddleware(rt.jwtManager)).Get("/ws", rt.chatHandler.HandleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(rt.jwtManager))
			r.Use(chimiddleware.Compress(5))

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", rt.notificationHandler.GetNotifications)
				r.Patch("/{id}/read", rt.notificationHandler.MarkRead)

				r.Post("/push/subscribe", rt.notificationHandler.SubscribePush)
				r.Post("/push/unsubscribe", rt.notificationHandler.UnsubscribePush)

				r.Route("/fcm", func(r chi.Router) {
					r.Post("/save-token", rt.notificationHandler.SaveFCMToken)
					r.Post("/remove-token", rt.notificationHandler.RemoveFCMToken)
					r.Post("/subscribe-topic", rt.notificationHandler.SubscribeTopic)
					r.Post("/unsubscribe-topic", rt.notificationHandler.UnsubscribeTopic)
					r.Post("/test", rt.notificationHandler.SendTest)
					r.Get("/tokens", rt.notificationHandler.ListFCMTokens)

					// Admin only
					r.Group(func(r chi.Router) {
						r.Use(middleware.RequireRole(auth.RoleAdmin))
						r.Post("/send-to-user", rt.notificationHandler.SendToUser)
						r.Post("/send-to-topic", rt.notificationHandler.SendToTopic)
						r.Post("/cleanup-invalid", rt.notificationHandler.CleanupInvalid)
					})
				})
			})

			r.Post("/visits", rt.visitorHandler.RecordVisit)

			r.Route("/chats", func(r chi.Router) {
				r.Post("/", rt.chatHandler.CreateChat)
				r.Get("/", rt.chatHandler.GetChats)
				r.Get("/{chatId}/messages", rt.chatHandler.GetMessages)
				r.Post("/{chatId}/messages", rt.chatHandler.SendMessage)
				r.Post("/{chatId}/attachments", rt.chatHandler.UploadAttachment)
			})
		})
	})

	if rt.uploadDir != "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(rt.uploadDir))))
	}

	// Service-to-service routes
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(middleware.ServiceKeyMiddleware(rt.serviceKeyHash, rt.logger))
		r.Post("/visits", rt.visitorHandler.RecordInternalVisit)
		r.Post("/chat-events", rt.chatHandler.ChatEvent)
	})

	return r
}
