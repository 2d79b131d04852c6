package handlers

import (
	"swarmsphere/middleware"
	"swarmsphere/services"

	"github.com/gofiber/fiber/v2"
)

func SetupQuestRoutes(app *fiber.App, questService *services.QuestService) {
	userCtx := middleware.UserContextMiddleware()
	adminOnly := middleware.RequireRole("admin")

	// 🔓 Public routes
	app.Get("/quests", questService.GetAllQuests)
	app.Get("/quests/:id", questService.GetQuestByID)
	app.Get("/quests/:id/participants", questService.GetParticipants)

	// 🔐 Authenticated routes
	app.Post("/quests", userCtx, questService.CreateQuest)
	app.Post("/quests/:id/join", userCtx, questService.JoinQuest)
	app.Post("/quests/:id/image", userCtx, questService.UploadQuestImage)

	// 🔒 Admin-only routes
	app.Post("/admin/quests/:id/close", userCtx, adminOnly, questService.CloseQuest)
	app.Patch("/admin/quests/:id/deadline", userCtx, adminOnly, questService.SetDeadline)
}
