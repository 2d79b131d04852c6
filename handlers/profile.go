package handlers

import (
	"swarmsphere/middleware"
	"swarmsphere/services"

	"github.com/gofiber/fiber/v2"
)

func SetupProfileRoutes(app *fiber.App, profileService *services.ProfileService) {
	userCtx := middleware.UserContextMiddleware()

	// 🔐 Authenticated routes
	app.Get("/profiles/me", userCtx, profileService.GetMe)
	app.Put("/profiles/me", userCtx, profileService.UpdateMe)
	app.Get("/profiles/me/achievements", userCtx, profileService.GetMyAchievements)
	app.Get("/profiles/:id", userCtx, profileService.GetByID)

	// 🔒 Admin-only routes
	app.Post("/admin/points/grant", userCtx, middleware.RequireRole("admin"), profileService.GrantPoints)
}
