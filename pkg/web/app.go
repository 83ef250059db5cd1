package web

import (
	"context"
	"log/slog"

	"github.com/dukex/entropy/pkg/eventbus"
	"github.com/dukex/entropy/pkg/events"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// App builds the dashboard application. debug enables request logging.
func App(handlers *APIHandlers, debug bool) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())

	if debug {
		app.Use(logger.New(logger.Config{
			DisableColors: true,
		}))
	}

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Entropy API")
	})

	app.Get("/healthz", handlers.HealthCheck)

	api := app.Group("/api")

	e := api.Group("/experiments")
	e.Get("/", handlers.GetLastExperiments)
	e.Get("/range", handlers.GetExperimentsRange)
	e.Get("/:id", handlers.GetExperiment)
	e.Get("/:id/plots", handlers.GetPlotsAndFigures)
	e.Put("/:id/favorite", handlers.UpdateFavorite)
	e.Get("/:id/results", handlers.GetResults)

	if handlers.params != nil {
		p := api.Group("/params")
		p.Get("/", handlers.GetParams)
		p.Get("/commits", handlers.ListCommits)
		p.Post("/commit", handlers.Commit)
		p.Put("/:key", handlers.SetParam)
	}

	if handlers.lab != nil {
		l := api.Group("/lab/resources")
		l.Get("/", handlers.ListResources)
		l.Get("/:name", handlers.GetResource)
	}

	return app
}

// InvalidateFiguresOnSave drops cached figures whenever a figure.saved
// event arrives on bus.
func InvalidateFiguresOnSave(ctx context.Context, logger *slog.Logger, bus eventbus.EventBus,
	experiments ExperimentStore,
) error {
	err := eventbus.On(bus, events.FigureSavedEvent, func(ctx context.Context, event events.FigureSaved) error {
		logger.DebugContext(ctx, "Invalidating cached figures", "experiment_id", event.ExperimentID)
		experiments.InvalidateFigures(event.ExperimentID)

		return nil
	})
	if err != nil {
		return err
	}

	return bus.Subscribe(ctx)
}
