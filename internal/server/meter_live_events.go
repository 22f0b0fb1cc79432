package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/usagegate/internal/usage/liveevents"
)

const liveHeartbeatInterval = 15 * time.Second

// StreamMeterLiveEvents streams ingest decisions for a meter as server-sent
// events, optionally filtered to one user.
func (s *Server) StreamMeterLiveEvents(c *gin.Context) {
	if s.liveMeterEvents == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	meter, err := s.ownedMeter(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	meterID := meter.ID.String()
	userFilter := strings.TrimSpace(c.Query("user_id"))

	subscription, backlog, err := s.liveMeterEvents.Subscribe(meterID)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}

	for _, event := range backlog {
		if userFilter != "" && event.UserID != userFilter {
			continue
		}
		if err := writeLiveMeterEvent(writer, meterID, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(liveHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-subscription.Events():
			if userFilter != "" && event.UserID != userFilter {
				continue
			}
			if err := writeLiveMeterEvent(writer, meterID, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeLiveMeterEvent(w io.Writer, meterID string, event liveevents.LiveEvent) error {
	payload := event
	if payload.MeterID == "" {
		payload.MeterID = meterID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
