package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// handleAlertStream handles GET /api/v1/institutions/:id/alerts.
//
// Alerts are streamed as Server-Sent Events until the client disconnects,
// the server shuts down or the bus drops the subscriber for being too slow.
//
//	event: alert
//	id: 3f0c...
//	data: {"id":"3f0c...","transition_to":"ideation",...}
//
// The institution "*" receives every alert.
func (s *Server) handleAlertStream(c echo.Context) error {
	if s.deps.Alerts == nil {
		return echo.ErrNotFound
	}

	institution := shared.InstitutionID(c.Param("id"))
	sub, err := s.deps.Alerts.Subscribe(institution)
	if err != nil {
		return shared.WrapError("alert", "Subscribe", shared.ErrServiceUnavailable, "alert bus is closed", err)
	}
	defer sub.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	fmt.Fprintf(res, ": subscribed %s\n\n", sub.ID())
	res.Flush()

	log := logger.FromContext(c.Request().Context()).With(logger.SubscriberID(sub.ID()), logger.InstitutionID(institution.String()))
	log.Debug("alert stream opened")

	heartbeat := time.NewTicker(s.config.AlertHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				fmt.Fprint(res, "event: closed\ndata: {}\n\n")
				res.Flush()
				log.Info("alert stream closed by bus", zap.Int("dropped", sub.Dropped()))
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Error("failed to encode alert", zap.Error(err))
				continue
			}
			fmt.Fprintf(res, "event: alert\nid: %s\ndata: %s\n\n", e.ID, data)
			res.Flush()

		case <-heartbeat.C:
			fmt.Fprint(res, ": heartbeat\n\n")
			res.Flush()

		case <-s.done:
			return nil

		case <-c.Request().Context().Done():
			log.Debug("alert stream client gone")
			return nil
		}
	}
}
