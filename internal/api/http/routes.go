package httpapi

import (
	"errors"
	"log"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/ensemble-meteogram/internal/weather"
)

var validate = validator.New()

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service *weather.Service) {
	meteogram := func(c *fiber.Ctx) error {
		lat, lon, err := parseCoordinates(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		result, err := service.Meteogram(lat, lon)
		if err != nil {
			if errors.Is(err, weather.ErrNotReady) {
				return fiber.NewError(fiber.StatusServiceUnavailable, "forecast data not loaded yet")
			}
			log.Printf("ERROR: meteogram %.4f,%.4f: %v", lat, lon, err)
			return fiber.NewError(fiber.StatusInternalServerError, "failed to compute meteogram")
		}

		return c.JSON(result)
	}

	// Path kept for existing clients.
	app.Get("/getMeteogram/:lat/:lon", meteogram)

	v1 := app.Group("/api/v1")

	v1.Get("/meteogram/:lat/:lon", meteogram)

	v1.Post("/refresh", func(c *fiber.Ctx) error {
		accepted := service.TriggerRefresh()
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"accepted":   accepted,
			"refreshing": service.Refreshing(),
		})
	})

	v1.Get("/refresh/runs", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 20)
		if limit <= 0 || limit > 500 {
			return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 500")
		}

		runs, err := service.RecentRuns(c.UserContext(), limit)
		if err != nil {
			log.Printf("ERROR: list refresh runs: %v", err)
			return fiber.NewError(fiber.StatusInternalServerError, "failed to list refresh runs")
		}
		if runs == nil {
			runs = []weather.RefreshRun{}
		}
		return c.JSON(fiber.Map{"runs": runs})
	})

	v1.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(service.Status())
	})
}

// coordinateParams holds the raw path parameters of a meteogram query.
type coordinateParams struct {
	Lat string `validate:"required,numeric"`
	Lon string `validate:"required,numeric"`
}

// parseCoordinates reads latitude and longitude from the path. Values
// outside the globe are accepted; the grid clamps them.
func parseCoordinates(c *fiber.Ctx) (float64, float64, error) {
	p := coordinateParams{
		Lat: c.Params("lat"),
		Lon: c.Params("lon"),
	}
	if err := validate.Struct(p); err != nil {
		return 0, 0, err
	}

	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return 0, 0, errors.New("invalid latitude")
	}
	lon, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return 0, 0, errors.New("invalid longitude")
	}
	return lat, lon, nil
}
