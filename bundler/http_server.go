package bundler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startHttpServer mounts the JSON-RPC handler, the health probe and the
// prometheus scrape endpoint on one listener, then serves in the
// background.
func (n *Node) startHttpServer(ctx context.Context) error {
	rpcServer, err := n.newRpcServer()
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if n.status == runningStatus {
			return c.String(http.StatusOK, "up")
		}
		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/", echo.WrapHandler(rpcServer))

	n.httpServer = e

	go func() {
		if err := e.Start(n.config.HttpBindAddress); err != nil && err != http.ErrServerClosed {
			n.logger.Fatal("http server stopped", "error", err)
		}
	}()

	return nil
}
