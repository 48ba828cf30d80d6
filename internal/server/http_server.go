package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	fedapi "go.pilab.hu/awsfed/api/echo"
	"go.pilab.hu/awsfed/config"
)

// NewHTTPServer creates and configures the Echo HTTP server hosting the
// login flow, health, and metrics endpoints.
func NewHTTPServer(cfg *config.Config, flowAPI *fedapi.FlowAPI) *http.Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.OtelServiceName))
	e.Use(requestLogger())

	flowAPI.RegisterRoutes(e)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      e,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// requestLogger logs one structured line per request. Query strings are
// never logged: callback URLs carry authorization codes.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			event := log.Info()
			if err != nil {
				event = log.Error().Err(err)
			}
			event.
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("ip", c.RealIP()).
				Msg("http request")

			return err
		}
	}
}
