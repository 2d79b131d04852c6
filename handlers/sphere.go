package handlers

import (
	"swarmsphere/middleware"
	"swarmsphere/services"

	"github.com/gofiber/fiber/v2"
)

func SetupSphereRoutes(app *fiber.App, sphereService *services.SphereService) {
	userCtx := middleware.UserContextMiddleware()

	// 🔓 Public routes
	app.Get("/spheres", sphereService.GetAllSpheres)
	app.Get("/spheres/slug/:slug", sphereService.GetSphereBySlug)
	app.Get("/spheres/:id", sphereService.GetSphereByID)
	app.Get("/spheres/:id/tasks", sphereService.GetSphereTasks)
	app.Get("/spheres/:id/proposals", sphereService.GetProposals)

	// 🔐 Authenticated routes
	app.Post("/spheres", userCtx, sphereService.CreateSphere)
	app.Post("/spheres/:id/join", userCtx, sphereService.JoinSphere)
	app.Post("/spheres/:id/leave", userCtx, sphereService.LeaveSphere)
	app.Post("/spheres/:id/tasks", userCtx, sphereService.AttachTask)

	// Governance
	app.Post("/spheres/:id/proposals", userCtx, sphereService.CreateProposal)
	app.Post("/proposals/:id/votes", userCtx, sphereService.CastVote)

	// 🔒 Admin-only routes
	app.Post("/admin/proposals/:id/tally", userCtx, middleware.RequireRole("admin"), sphereService.TallyProposal)
}
