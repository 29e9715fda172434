package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"anonchat/backend/internal/models"
	"anonchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const identityKey = "identity"

// ErrUnauthorized covers a missing, invalid or expired token and tokens for unknown users.
var ErrUnauthorized = errors.New("unauthorized")

// JWTResolver turns an HS256 bearer token into a verified identity.
// The token subject is the user id; the profile comes from the user store.
type JWTResolver struct {
	secret []byte
	issuer string
	ttl    time.Duration
	users  storage.UserStore
	now    func() time.Time
}

func NewJWTResolver(secret, issuer string, ttl time.Duration, users storage.UserStore) *JWTResolver {
	return &JWTResolver{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		users:  users,
		now:    time.Now,
	}
}

// Issue signs a token for userID.
func (j *JWTResolver) Issue(userID string) (string, error) {
	now := j.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    j.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	return signed, errors.Wrap(err, "sign token")
}

// Resolve verifies the token and loads the user behind it.
func (j *JWTResolver) Resolve(ctx context.Context, token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, ErrUnauthorized
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil || claims.Subject == "" {
		return models.Identity{}, ErrUnauthorized
	}

	user, err := j.users.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Identity{}, ErrUnauthorized
	}
	if err != nil {
		return models.Identity{}, err
	}
	return user.Identity(), nil
}

// FromRequest reads the token from the Authorization header or, for browsers
// that cannot set headers on a websocket upgrade, from the "token" query parameter.
func (j *JWTResolver) FromRequest(r *http.Request) (models.Identity, error) {
	return j.Resolve(r.Context(), tokenFromRequest(r))
}

func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// RequireIdentity rejects requests without a valid token and stores the identity on the context.
func (h *Handler) RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := h.auth.FromRequest(c.Request)
		if errors.Is(err, ErrUnauthorized) {
			h.abortWithError(c, http.StatusUnauthorized, "Authorization token missing or invalid")
			return
		}
		if err != nil {
			h.log.Error("resolve identity", zap.Error(err))
			h.abortWithError(c, http.StatusInternalServerError, "Internal server error")
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identityFrom(c *gin.Context) models.Identity {
	id, _ := c.MustGet(identityKey).(models.Identity)
	return id
}

type issueTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// IssueToken видає JWT для існуючого користувача. Лише для розробки.
func (h *Handler) IssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abortWithError(c, http.StatusBadRequest, "userId is required")
		return
	}

	if _, err := h.users.GetUserByID(c.Request.Context(), req.UserID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.abortWithError(c, http.StatusNotFound, "User not found")
			return
		}
		h.log.Error("load user for token", zap.String("user_id", req.UserID), zap.Error(err))
		h.abortWithError(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	token, err := h.auth.Issue(req.UserID)
	if err != nil {
		h.log.Error("issue token", zap.Error(err))
		h.abortWithError(c, http.StatusInternalServerError, "Failed to create token")
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "userId": req.UserID})
}
