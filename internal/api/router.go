package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"foodbridge/core/internal/api/handlers"
	"foodbridge/core/internal/api/middleware"
	"foodbridge/core/internal/config"
	"foodbridge/core/internal/services"
)

// Services are the collaborators the HTTP layer is built from.
type Services struct {
	Listings services.IListingService
	Requests services.IRequestService
	Users    services.IUserService
	Ratings  services.IRatingService
	Chat     services.IChatService

	// Optional: direct S3 uploads and the notification inbox.
	Uploader   handlers.ImageUploader
	ImageQueue handlers.ImageQueue
	Inbox      handlers.InboxReader
}

// SetupRouter configures and returns the main Gin engine.
// ctx bounds background middleware such as the rate limiter's cleanup.
func SetupRouter(ctx context.Context, cfg *config.Config, svc Services) *gin.Engine {
	r := gin.Default()

	rateLimiter := middleware.NewRateLimiterMiddleware(ctx, cfg)
	authRequired := middleware.AuthMiddleware(cfg.JwtSecret)

	r.Use(middleware.CORSMiddleware())

	listingHandler := handlers.NewRestListingHandler(svc.Listings, svc.Uploader, svc.ImageQueue, cfg.ImageMaxSizeMB)
	requestHandler := handlers.NewRestRequestHandler(svc.Requests)
	chatHandler := handlers.NewRestChatHandler(svc.Chat)
	userHandler := handlers.NewRestUserHandler(svc.Users, svc.Ratings, svc.Inbox)

	v1 := r.Group("/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		// Public browsing; limited per client IP.
		public := v1.Group("/")
		public.Use(rateLimiter.Limit())
		{
			public.GET("/distance", handlers.Distance)
			public.GET("/listings", listingHandler.ListAvailable)
			public.GET("/listings/nearby", listingHandler.ListNearby)
			public.GET("/listings/:id", listingHandler.GetListingByID)
			public.GET("/donors/:id/listings", listingHandler.ListByDonor)
			public.GET("/users/:id/ratings", userHandler.ListRatings)
		}

		// Authenticated routes; auth runs first so the limiter keys on the user.
		authed := v1.Group("/")
		authed.Use(authRequired, rateLimiter.Limit())
		{
			authed.POST("/listings", listingHandler.CreateListing)
			authed.PATCH("/listings/:id", listingHandler.UpdateListing)
			authed.DELETE("/listings/:id", listingHandler.DeleteListing)
			authed.POST("/listings/:id/images", listingHandler.UploadImage)
			authed.POST("/listings/:id/images/upload-url", listingHandler.CreateUploadURL)
			authed.POST("/listings/:id/images/process", listingHandler.ProcessUpload)
			authed.POST("/listings/:id/complete", listingHandler.CompleteListing)
			authed.POST("/listings/:id/release", listingHandler.ReleaseClaim)

			authed.POST("/listings/:id/requests", requestHandler.CreateRequest)
			authed.GET("/listings/:id/requests", requestHandler.ListForListing)
			authed.GET("/requests/incoming", requestHandler.ListIncoming)
			authed.GET("/requests/mine", requestHandler.ListMine)
			authed.POST("/requests/:id/accept", requestHandler.AcceptRequest)
			authed.POST("/requests/:id/reject", requestHandler.RejectRequest)
			authed.DELETE("/requests/:id", requestHandler.DeleteRequest)

			authed.GET("/listings/:id/messages", chatHandler.ListMessages)
			authed.POST("/listings/:id/messages", chatHandler.SendMessage)
			authed.GET("/listings/:id/messages/ws", chatHandler.Stream)

			authed.GET("/users/:id", userHandler.GetUserByID)
			authed.PUT("/users/me", userHandler.UpdateProfile)
			authed.POST("/ratings", userHandler.RateUser)
			authed.GET("/notifications", userHandler.ListNotifications)
		}
	}

	return r
}
