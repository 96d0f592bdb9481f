// Package httpapi assembles the Echo application: websocket upgrade,
// ephemeral file downloads, health/state probes, and optional static
// assets.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"sealroom/server/internal/core"
	"sealroom/server/internal/files"
	"sealroom/server/internal/protocol"
	"sealroom/server/internal/ws"
)

// Server is the Echo application.
type Server struct {
	echo  *echo.Echo
	rooms *core.Registry
	conns *core.ConnectionTable
	files *files.Store
}

// New constructs the Echo app. staticDir may be empty to disable asset
// serving; wsHandler is registered for /ws.
func New(rooms *core.Registry, conns *core.ConnectionTable, fileStore *files.Store, wsHandler *ws.Handler, staticDir string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, rooms: rooms, conns: conns, files: fileStore}

	e.GET("/health", s.handleHealth)
	e.GET("/api/state", s.handleState)
	e.GET("/files/:id", s.handleFileDownload)
	wsHandler.Register(e)

	if staticDir = strings.TrimSpace(staticDir); staticDir != "" {
		e.Static("/", staticDir)
	}
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Run starts Echo and blocks until ctx cancellation or startup
// failure. When certFile and keyFile are both set the listener is TLS.
func (s *Server) Run(ctx context.Context, addr, certFile, keyFile string) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = s.echo.StartTLS(addr, certFile, keyFile)
		} else {
			err = s.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.conns.Count(),
	})
}

type stateResponse struct {
	Clients int `json:"clients"`
	Rooms   int `json:"rooms"`
	Files   int `json:"files"`
}

func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, stateResponse{
		Clients: s.conns.Count(),
		Rooms:   s.rooms.RoomCount(),
		Files:   s.files.Count(),
	})
}

func (s *Server) handleFileDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}

	meta, content, err := s.files.Get(id)
	if err != nil {
		if errors.Is(err, files.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("read file: %v", err))
	}

	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`inline; filename="%s"`, safeFilename(meta.Name)),
	)
	return c.Blob(http.StatusOK, contentTypeOf(meta), content)
}

func contentTypeOf(meta protocol.FileMetadata) string {
	if strings.TrimSpace(meta.MimeType) == "" {
		return "application/octet-stream"
	}
	return meta.MimeType
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "file"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
