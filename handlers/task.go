package handlers

import (
	"swarmsphere/middleware"
	"swarmsphere/services"

	"github.com/gofiber/fiber/v2"
)

func SetupTaskRoutes(app *fiber.App, taskService *services.TaskService) {
	userCtx := middleware.UserContextMiddleware()

	// 🔓 Public routes — recommendations is registered ahead of the :id route so
	// the parameter never swallows it.
	app.Get("/tasks", taskService.GetAllTasks)
	app.Get("/tasks/recommendations", userCtx, taskService.GetRecommendedTasks)
	app.Get("/tasks/:id", taskService.GetTaskByID)

	// 🔐 Authenticated routes
	app.Post("/tasks", userCtx, taskService.CreateTask)
	app.Post("/tasks/:id/claim", userCtx, taskService.ClaimTask)
	app.Post("/tasks/:id/complete", userCtx, taskService.CompleteTask)
	app.Post("/tasks/:id/image", userCtx, taskService.UploadTaskImage)

	// 🔒 Admin-only routes
	app.Post("/admin/tasks/:id/review", userCtx, middleware.RequireRole("admin"), taskService.ReviewTask)
}
