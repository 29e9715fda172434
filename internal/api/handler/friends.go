package handler

import (
	"net/http"

	"anonchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type friendRequestBody struct {
	AddresseeID string `json:"addresseeId" binding:"required"`
}

// CreateFriendRequest надсилає запит у друзі, зазвичай після chat:ended з canAddFriend.
func (h *Handler) CreateFriendRequest(c *gin.Context) {
	id := identityFrom(c)

	var body friendRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abortWithError(c, http.StatusBadRequest, "addresseeId is required")
		return
	}

	f, err := h.friends.CreateFriendRequest(c.Request.Context(), id.UserID, body.AddresseeID)
	switch {
	case errors.Is(err, storage.ErrInvalidFriendRequest):
		h.abortWithError(c, http.StatusBadRequest, "Invalid friend request")
		return
	case errors.Is(err, storage.ErrFriendshipExists):
		h.abortWithError(c, http.StatusConflict, "Friend request already exists")
		return
	case err != nil:
		h.log.Error("create friend request", zap.String("user_id", id.UserID), zap.Error(err))
		h.abortWithError(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	// запит уже збережено; сповіщення не є критичним
	if err := h.notifier.FriendRequested(c.Request.Context(), f); err != nil {
		h.log.Warn("notify friend request", zap.String("friendship_id", f.ID), zap.Error(err))
	}
	c.JSON(http.StatusCreated, f)
}

// AcceptFriendRequest приймає запит; приймати може лише адресат.
func (h *Handler) AcceptFriendRequest(c *gin.Context) {
	id := identityFrom(c)
	friendshipID := c.Param("id")

	f, err := h.friends.AcceptFriendRequest(c.Request.Context(), friendshipID, id.UserID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.abortWithError(c, http.StatusNotFound, "Friend request not found")
		return
	case errors.Is(err, storage.ErrInvalidFriendRequest):
		h.abortWithError(c, http.StatusForbidden, "Cannot accept this friend request")
		return
	case err != nil:
		h.log.Error("accept friend request", zap.String("user_id", id.UserID), zap.String("friendship_id", friendshipID), zap.Error(err))
		h.abortWithError(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := h.notifier.FriendAccepted(c.Request.Context(), f); err != nil {
		h.log.Warn("notify friend accepted", zap.String("friendship_id", f.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, f)
}
