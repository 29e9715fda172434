package handler

import (
	"net/http"

	"anonchat/backend/internal/chathub"
	"anonchat/backend/internal/notification"
	"anonchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options are the knobs of the HTTP surface.
type Options struct {
	SendBuffer     int
	AllowedOrigins []string
	AllowDevTokens bool
}

// Handler містить усі залежності HTTP та WebSocket роутів.
type Handler struct {
	registry *chathub.Registry
	relay    *chathub.Relay
	auth     *JWTResolver
	users    storage.UserStore
	friends  storage.FriendshipStore
	notifier *notification.Service
	health   map[string]HealthCheck

	upgrader websocket.Upgrader
	opts     Options
	log      *zap.Logger
}

func NewHandler(
	registry *chathub.Registry,
	relay *chathub.Relay,
	auth *JWTResolver,
	users storage.UserStore,
	friends storage.FriendshipStore,
	notifier *notification.Service,
	opts Options,
	log *zap.Logger,
) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	h := &Handler{
		registry: registry,
		relay:    relay,
		auth:     auth,
		users:    users,
		friends:  friends,
		notifier: notifier,
		health:   make(map[string]HealthCheck),
		opts:     opts,
		log:      log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// AddHealthCheck registers a dependency probed by GET /healthz.
func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.health[name] = check
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	r.GET("/ws", h.ServeWebSocket)

	api := r.Group("/api")
	if h.opts.AllowDevTokens {
		api.POST("/token", h.IssueToken)
	}

	authed := api.Group("", h.RequireIdentity())
	authed.POST("/friends/requests", h.CreateFriendRequest)
	authed.POST("/friends/requests/:id/accept", h.AcceptFriendRequest)
}

// checkOrigin пропускає все, якщо список дозволених доменів порожній.
// Запити без Origin (не браузер) теж проходять.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (h *Handler) abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
