package admission

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kiln-dev/kiln/internal/common/logger"
	"github.com/kiln-dev/kiln/internal/orchestrator/streaming"
	"github.com/kiln-dev/kiln/internal/ratelimit"
	"github.com/kiln-dev/kiln/internal/secrets"
	"github.com/kiln-dev/kiln/internal/task/models"
)

const principalKey = "kiln.principal"

// Handlers exposes the admission operations over HTTP.
type Handlers struct {
	service *Service
	secrets *secrets.Service
	logger  *logger.Logger
}

func NewHandlers(svc *Service, sec *secrets.Service, log *logger.Logger) *Handlers {
	return &Handlers{
		service: svc,
		secrets: sec,
		logger:  log.WithFields(zap.String("component", "admission-handlers")),
	}
}

// RegisterRoutes mounts the authenticated API surface.
func RegisterRoutes(router *gin.Engine, svc *Service, sec *secrets.Service, log *logger.Logger) {
	h := NewHandlers(svc, sec, log)

	api := router.Group("/api/v1")
	api.Use(AuthRequired(sec))

	api.POST("/tasks", h.httpCreateTask)
	api.GET("/tasks", h.httpListTasks)
	api.GET("/tasks/:id", h.httpGetTask)
	api.DELETE("/tasks/:id", h.httpDeleteTask)
	api.POST("/tasks/:id/cancel", h.httpCancelTask)
	api.POST("/tasks/:id/messages", h.httpAppendFollowUp)
	api.POST("/tasks/:id/logs", h.httpAppendClientLog)

	api.POST("/connectors", h.httpCreateConnector)
	api.GET("/connectors", h.httpListConnectors)

	api.PUT("/keys/:provider", h.httpSetKey)
	api.GET("/keys", h.httpListKeys)
	api.DELETE("/keys/:provider", h.httpDeleteKey)

	api.POST("/tokens", h.httpIssueToken)
	api.GET("/tokens", h.httpListTokens)
	api.DELETE("/tokens/:id", h.httpRevokeToken)
}

// AuthRequired resolves the bearer token to a principal. Browsers cannot set
// headers on WebSocket dials, so a token query parameter is accepted too.
func AuthRequired(sec *secrets.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var plaintext string
		if raw := c.GetHeader("Authorization"); strings.HasPrefix(raw, "Bearer ") {
			plaintext = strings.TrimPrefix(raw, "Bearer ")
		} else {
			plaintext = c.Query("token")
		}
		if plaintext == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := sec.Authenticate(c.Request.Context(), plaintext)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(principalKey, Principal{UserID: token.UserID, Email: token.UserEmail})
		c.Next()
	}
}

// RegisterStreamRoutes mounts the WebSocket surface behind the same bearer
// auth, tagging each connection with the caller's user ID for the stream
// ownership checks.
func RegisterStreamRoutes(router *gin.Engine, ws *streaming.WSHandler, sec *secrets.Service) {
	group := router.Group("/api/v1")
	group.Use(AuthRequired(sec), func(c *gin.Context) {
		c.Set(streaming.UserIDKey, principalFrom(c).UserID)
	})
	streaming.RegisterRoutes(group, ws)
}

func principalFrom(c *gin.Context) Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(Principal); ok {
			return p
		}
	}
	return Principal{}
}

func (h *Handlers) httpCreateTask(c *gin.Context) {
	var input CreateTaskInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	task, decision, err := h.service.CreateTask(c.Request.Context(), principalFrom(c), input)
	setRateLimitHeaders(c, decision)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *Handlers) httpListTasks(c *gin.Context) {
	tasks, err := h.service.ListTasks(c.Request.Context(), principalFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (h *Handlers) httpGetTask(c *gin.Context) {
	task, err := h.service.GetTask(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handlers) httpDeleteTask(c *gin.Context) {
	if err := h.service.DeleteTask(c.Request.Context(), principalFrom(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) httpCancelTask(c *gin.Context) {
	if err := h.service.CancelTask(c.Request.Context(), principalFrom(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.StatusStopped)})
}

type followUpRequest struct {
	Message string `json:"message"`
}

func (h *Handlers) httpAppendFollowUp(c *gin.Context) {
	var body followUpRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	task, err := h.service.AppendFollowUp(c.Request.Context(), principalFrom(c), c.Param("id"), body.Message)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type clientLogRequest struct {
	Message string `json:"message"`
}

func (h *Handlers) httpAppendClientLog(c *gin.Context) {
	var body clientLogRequest
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.service.AppendClientLog(c.Request.Context(), principalFrom(c), c.Param("id"), body.Message); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createConnectorRequest struct {
	Name    string            `json:"name"`
	Type    string            `json:"type"`
	Command string            `json:"command"`
	URL     string            `json:"url"`
	Env     map[string]string `json:"env"`
}

func (h *Handlers) httpCreateConnector(c *gin.Context) {
	var body createConnectorRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	encrypted, err := h.secrets.SealEnv(body.Env)
	if err != nil {
		h.logger.Error("failed to seal connector env", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store connector"})
		return
	}
	connector := &models.Connector{
		Name:         body.Name,
		Type:         models.ConnectorType(body.Type),
		Command:      body.Command,
		URL:          body.URL,
		EncryptedEnv: encrypted,
	}
	if err := h.service.CreateConnector(c.Request.Context(), principalFrom(c), connector); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, connector)
}

func (h *Handlers) httpListConnectors(c *gin.Context) {
	connectors, err := h.service.ListConnectors(c.Request.Context(), principalFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connectors": connectors})
}

type setKeyRequest struct {
	Value string `json:"value"`
}

func (h *Handlers) httpSetKey(c *gin.Context) {
	var body setKeyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	p := principalFrom(c)
	if err := h.secrets.SetKey(c.Request.Context(), p.UserID, secrets.KeyProvider(c.Param("provider")), body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) httpListKeys(c *gin.Context) {
	keys, err := h.secrets.ListKeys(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		h.logger.Error("failed to list keys", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}
	// Providers only; values never leave the store.
	providers := make([]string, 0, len(keys))
	for _, k := range keys {
		providers = append(providers, string(k.Provider))
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (h *Handlers) httpDeleteKey(c *gin.Context) {
	if err := h.secrets.DeleteKey(c.Request.Context(), principalFrom(c).UserID, secrets.KeyProvider(c.Param("provider"))); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type issueTokenRequest struct {
	Name string `json:"name"`
}

func (h *Handlers) httpIssueToken(c *gin.Context) {
	var body issueTokenRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	p := principalFrom(c)
	plaintext, token, err := h.secrets.IssueToken(c.Request.Context(), p.UserID, p.Email, body.Name)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	// The plaintext is shown exactly once.
	c.JSON(http.StatusCreated, gin.H{"token": plaintext, "id": token.ID, "prefix": token.Prefix})
}

func (h *Handlers) httpListTokens(c *gin.Context) {
	tokens, err := h.secrets.ListTokens(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		h.logger.Error("failed to list tokens", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tokens"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": tokens})
}

func (h *Handlers) httpRevokeToken(c *gin.Context) {
	if err := h.secrets.RevokeToken(c.Request.Context(), principalFrom(c).UserID, c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func setRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	if d.Total == 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Total))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// writeError maps service errors onto the HTTP failure taxonomy.
func (h *Handlers) writeError(c *gin.Context, err error) {
	var validation *ValidationError
	var rateLimited *RateLimitError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.As(err, &rateLimited):
		body := gin.H{"error": rateLimited.Error()}
		if !rateLimited.Decision.ResetAt.IsZero() {
			body["reset_at"] = rateLimited.Decision.ResetAt.UTC()
		}
		c.JSON(http.StatusTooManyRequests, body)
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, ErrNotCancellable), errors.Is(err, ErrNotResumable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
