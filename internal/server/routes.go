package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type conversationView struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Unread      int    `json:"unread"`
	LastMessage string `json:"last_message,omitempty"`
	ActivityAt  string `json:"activity_at"`
}

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	s.E.GET("/health", s.healthGet)
	s.E.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.E.GET("/api/conversations", s.conversationsGet)
}

func (s *Server) healthGet(c echo.Context) error {
	if s.health != nil && !s.health.IsHealthy() {
		return c.String(http.StatusServiceUnavailable, "UNAVAILABLE")
	}
	return c.String(http.StatusOK, "OK")
}

func (s *Server) conversationsGet(c echo.Context) error {
	if s.list == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active session")
	}
	user := c.QueryParam("user")

	convs := s.list.Conversations()
	out := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		v := conversationView{
			ID:         conv.ID,
			Kind:       string(conv.Kind),
			Title:      conv.Title,
			Unread:     conv.UnreadFor(user),
			ActivityAt: conv.ActivityAt().String(),
		}
		if conv.LastMessage != nil {
			v.LastMessage = conv.LastMessage.Text
		}
		out = append(out, v)
	}
	return c.JSON(http.StatusOK, out)
}
