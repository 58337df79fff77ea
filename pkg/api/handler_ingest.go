package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/snirego/feedbackd/pkg/models"
	"github.com/snirego/feedbackd/pkg/services"
)

// ingestMessageHandler handles POST /ingest/message.
// 202 on accepted-and-enqueued, 400 on validation failure, 409 when the
// message public id was already processed, 503 when the broker or store
// is unavailable. The HTTP exchange completes before the pipeline runs.
func (s *Server) ingestMessageHandler(c *gin.Context) {
	var req IngestMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
		return
	}

	visibility := models.Visibility(req.Visibility)
	if visibility == "" {
		visibility = models.VisibilityPublic
	}

	result, err := s.ingest.Submit(c.Request.Context(), services.IngestInput{
		ThreadPublicID:  req.ThreadPublicID,
		MessagePublicID: req.MessagePublicID,
		Text:            req.Text,
		SenderType:      models.SenderType(req.SenderType),
		SenderName:      req.SenderName,
		Visibility:      visibility,
		Source:          models.SourceAPI,
		Metadata:        req.Metadata,
	})
	if err != nil {
		s.respondIngestError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, &IngestAcceptedResponse{
		Status:          "accepted",
		ThreadPublicID:  result.Thread.PublicID,
		MessagePublicID: result.Message.PublicID,
		JobID:           result.JobID,
	})
}

// respondIngestError maps service errors onto ingress status codes.
// Callers only ever see 400/409/503 here; pipeline retries stay invisible.
func (s *Server) respondIngestError(c *gin.Context, err error) {
	switch {
	case services.IsValidationError(err):
		c.JSON(http.StatusBadRequest, &ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrAlreadyExists):
		c.JSON(http.StatusConflict, &ErrorResponse{Error: "message already processed"})
	default:
		s.logger.Error("Ingest failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, &ErrorResponse{Error: "temporarily unable to accept messages"})
	}
}
