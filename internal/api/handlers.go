package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"copydesk/internal/attachment"
	"copydesk/internal/backend"
	"copydesk/internal/cache"
	"copydesk/internal/models"
	"copydesk/internal/service/feedback"
	"copydesk/internal/worker"
)

// Upstream is the generation service the proxy forwards to.
type Upstream interface {
	StreamChat(ctx context.Context, req *models.ChatRequest) (*backend.Stream, error)
	SessionMessages(ctx context.Context, sessionID string) (json.RawMessage, error)
}

// FeedbackQueue accepts feedback for background delivery.
type FeedbackQueue interface {
	Submit(ctx context.Context, fb *models.Feedback) (string, error)
}

// HistoryCache caches session histories fetched from upstream.
type HistoryCache interface {
	Load(ctx context.Context, sessionID string) (json.RawMessage, bool)
	Store(ctx context.Context, sessionID string, raw json.RawMessage)
	Invalidate(ctx context.Context, sessionID string)
}

const defaultStreamTimeout = 60 * time.Second

// Handler wires HTTP routes to the upstream chat service.
type Handler struct {
	upstream      Upstream
	feedback      FeedbackQueue
	history       HistoryCache
	encoder       *attachment.Encoder
	streamTimeout time.Duration
	logger        *zap.Logger
}

// NewHandler constructs a Handler instance. history may be nil.
func NewHandler(upstream Upstream, fq FeedbackQueue, history HistoryCache, encoder *attachment.Encoder, streamTimeout time.Duration, logger *zap.Logger) *Handler {
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if encoder == nil {
		encoder = attachment.NewEncoder(logger)
	}
	if history == nil {
		history = cache.NewHistory(nil, 0, logger)
	}
	return &Handler{
		upstream:      upstream,
		feedback:      fq,
		history:       history,
		encoder:       encoder,
		streamTimeout: streamTimeout,
		logger:        logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", h.healthz)
	api := router.Group("/api")
	api.POST("/chat", h.chat)
	api.POST("/feedback", h.submitFeedback)
	api.GET("/sessions/:id/messages", h.getSessionMessages)
	api.POST("/uploads", h.filesUpload)
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type chatRequest struct {
	Messages    json.RawMessage   `json:"messages"`
	ContentType string            `json:"contentType"`
	Platform    string            `json:"platform"`
	Files       []models.WireFile `json:"files"`
	SessionID   string            `json:"sessionId"`
}

func (h *Handler) chat(c *gin.Context) {
	var body chatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var messages []models.WireMessage
	raw := strings.TrimSpace(string(body.Messages))
	if !strings.HasPrefix(raw, "[") || json.Unmarshal(body.Messages, &messages) != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Messages must be an array"})
		return
	}
	contentType, err := models.ParseContentType(body.ContentType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	platform, err := models.ParsePlatform(body.Platform)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID := strings.TrimSpace(body.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(c.GetHeader(backend.SessionHeader))
	}
	req := &models.ChatRequest{
		Messages:    messages,
		ContentType: contentType,
		Platform:    platform,
		Files:       body.Files,
		SessionID:   sessionID,
	}
	if len(req.Files) == 0 {
		req.Files = nil
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.streamTimeout)
	defer cancel()
	stream, err := h.upstream.StreamChat(ctx, req)
	if err != nil {
		h.relayError(c, err)
		return
	}
	defer stream.Close()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	if id := stream.SessionID(); id != "" {
		sessionID = id
		c.Writer.Header().Set(backend.SessionHeader, id)
	}
	c.Writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	flusher.Flush()

	written := 0
	for frag, err := range stream.Fragments() {
		if err != nil {
			h.logger.Warn("upstream stream broke",
				zap.String("session_id", sessionID),
				zap.Int("bytes_relayed", written),
				zap.Error(err))
			// headers are out; dropping the connection is the only way the
			// client can tell a cut-off reply from a finished one
			panic(http.ErrAbortHandler)
		}
		n, werr := c.Writer.WriteString(frag)
		written += n
		if werr != nil {
			h.logger.Debug("client went away", zap.String("session_id", sessionID), zap.Error(werr))
			return
		}
		flusher.Flush()
	}
	h.history.Invalidate(context.WithoutCancel(c.Request.Context()), sessionID)
	h.logger.Info("chat turn relayed",
		zap.String("session_id", sessionID),
		zap.String("content_type", string(contentType)),
		zap.String("platform", string(platform)),
		zap.Int("files", len(req.Files)),
		zap.Int("bytes", written))
}

// relayError maps a failed upstream call before any byte was streamed.
func (h *Handler) relayError(c *gin.Context, err error) {
	var statusErr *backend.StatusError
	switch {
	case errors.As(err, &statusErr):
		h.logger.Warn("upstream rejected chat turn", zap.Int("status", statusErr.Code), zap.String("body", statusErr.Body))
		c.String(statusErr.Code, statusErr.Body)
	case errors.Is(err, backend.ErrNoBody):
		h.logger.Error("upstream returned no body")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "No response body"})
	default:
		h.logger.Error("chat proxy failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "message": err.Error()})
	}
}

func (h *Handler) submitFeedback(c *gin.Context) {
	var fb models.Feedback
	if err := c.ShouldBindJSON(&fb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx := feedback.WithClientKey(c.Request.Context(), c.ClientIP())
	id, err := h.feedback.Submit(ctx, &fb)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidRating),
			errors.Is(err, models.ErrUnknownContentType),
			errors.Is(err, models.ErrUnknownPlatform):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, worker.ErrDispatcherBusy):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		default:
			h.logger.Error("queue feedback failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": models.FeedbackQueued})
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	sessionID := strings.TrimSpace(c.Param("id"))
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if raw, ok := h.history.Load(c.Request.Context(), sessionID); ok {
		c.Header("X-Cache", "hit")
		c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
		return
	}
	raw, err := h.upstream.SessionMessages(c.Request.Context(), sessionID)
	if err != nil {
		var statusErr *backend.StatusError
		if errors.As(err, &statusErr) {
			msg := statusErr.Body
			if msg == "" {
				msg = http.StatusText(statusErr.Code)
			}
			c.JSON(statusErr.Code, gin.H{"error": msg})
			return
		}
		h.logger.Error("fetch session messages failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream unavailable"})
		return
	}
	h.history.Store(c.Request.Context(), sessionID, raw)
	c.Header("X-Cache", "miss")
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

const maxUploadFiles = 10

func (h *Handler) filesUpload(c *gin.Context) {
	limit := h.encoder.MaxSize()*maxUploadFiles + 1<<20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "files are required"})
		return
	}
	if len(headers) > maxUploadFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many files"})
		return
	}
	files := make([]attachment.File, 0, len(headers))
	for _, fh := range headers {
		files = append(files, attachment.NewFormFile(fh))
	}
	encoded := h.encoder.Encode(c.Request.Context(), files)
	if encoded == nil {
		encoded = []models.Attachment{}
	}
	h.logger.Debug("files encoded", zap.Int("received", len(files)), zap.Int("accepted", len(encoded)))
	c.JSON(http.StatusOK, gin.H{"files": encoded})
}
