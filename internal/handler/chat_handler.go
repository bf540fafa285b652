package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/service"
)

// ChatHandler exposes the caller's chat session over HTTP
type ChatHandler struct {
	chatService *service.ChatService
}

func NewChatHandler(chatService *service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// GetSession godoc
// @Summary Get the whole session state
// @Tags Session
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.SessionState
// @Failure 503 {object} model.ErrorResponse
// @Router /session [get]
func (h *ChatHandler) GetSession(c *gin.Context) {
	userID := c.MustGet("user_id").(uuid.UUID)

	state, err := h.chatService.Snapshot(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// SetComposer godoc
// @Summary Replace the draft message
// @Tags Session
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body model.ComposerRequest true "Draft text"
// @Success 200 {object} model.SuccessResponse
// @Router /session/composer [put]
func (h *ChatHandler) SetComposer(c *gin.Context) {
	var req model.ComposerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Invalid request", Code: "request.invalid", Message: err.Error()})
		return
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	if err := h.chatService.SetComposer(c.Request.Context(), userID, req.Text); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.SuccessResponse{Message: "Draft saved"})
}

// Send godoc
// @Summary Send a message to the selected conversation
// @Description Sends content, or the current draft when content is omitted.
// @Tags Session
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body model.SendRequest false "Message content"
// @Success 201 {object} model.Message
// @Failure 400 {object} model.ErrorResponse
// @Failure 403 {object} model.ErrorResponse
// @Router /session/send [post]
func (h *ChatHandler) Send(c *gin.Context) {
	var req model.SendRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Invalid request", Code: "request.invalid", Message: err.Error()})
			return
		}
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	msg, err := h.chatService.Send(c.Request.Context(), userID, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, msg)
}

// GetConversations godoc
// @Summary Get the visible conversations of the current user
// @Tags Conversations
// @Produce json
// @Security BearerAuth
// @Success 200 {array} model.ConversationView
// @Router /conversations [get]
func (h *ChatHandler) GetConversations(c *gin.Context) {
	userID := c.MustGet("user_id").(uuid.UUID)

	conversations, err := h.chatService.GetConversations(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// CreateConversation godoc
// @Summary Open a conversation with the given members
// @Description Returns the existing conversation when one with exactly these members exists.
// @Tags Conversations
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param body body model.CreateConversationRequest true "Members and optional name"
// @Success 201 {object} model.ConversationView
// @Failure 400 {object} model.ErrorResponse
// @Router /conversations [post]
func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req model.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Invalid request", Code: "request.invalid", Message: err.Error()})
		return
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	conv, err := h.chatService.CreateConversation(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, conv)
}

// Select godoc
// @Summary Open a conversation
// @Description Loads its history and roster and marks it read.
// @Tags Conversations
// @Produce json
// @Security BearerAuth
// @Param id path string true "Conversation ID"
// @Success 200 {object} model.SessionState
// @Failure 404 {object} model.ErrorResponse
// @Router /conversations/{id}/select [post]
func (h *ChatHandler) Select(c *gin.Context) {
	convID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	state, err := h.chatService.Select(c.Request.Context(), userID, convID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// Deselect godoc
// @Summary Close the open conversation
// @Tags Session
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.SessionState
// @Router /session/selection [delete]
func (h *ChatHandler) Deselect(c *gin.Context) {
	userID := c.MustGet("user_id").(uuid.UUID)
	state, err := h.chatService.Deselect(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// Hide godoc
// @Summary Hide a conversation from the list
// @Description It reappears when a new message arrives.
// @Tags Conversations
// @Produce json
// @Security BearerAuth
// @Param id path string true "Conversation ID"
// @Success 200 {object} model.SuccessResponse
// @Router /conversations/{id}/hide [post]
func (h *ChatHandler) Hide(c *gin.Context) {
	convID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	if err := h.chatService.Hide(c.Request.Context(), userID, convID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.SuccessResponse{Message: "Conversation hidden"})
}

// GetMessages godoc
// @Summary Get a conversation's history
// @Tags Messages
// @Produce json
// @Security BearerAuth
// @Param id path string true "Conversation ID"
// @Success 200 {array} model.Message
// @Failure 403 {object} model.ErrorResponse
// @Router /conversations/{id}/messages [get]
func (h *ChatHandler) GetMessages(c *gin.Context) {
	convID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	messages, err := h.chatService.GetMessages(c.Request.Context(), userID, convID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, messages)
}

// GetParticipants godoc
// @Summary Get a conversation's members and their roles
// @Tags Participants
// @Produce json
// @Security BearerAuth
// @Param id path string true "Conversation ID"
// @Success 200 {array} model.ParticipantView
// @Router /conversations/{id}/participants [get]
func (h *ChatHandler) GetParticipants(c *gin.Context) {
	convID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	roster, err := h.chatService.GetParticipants(c.Request.Context(), userID, convID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, roster)
}

// RemoveParticipant godoc
// @Summary Remove a member from a conversation
// @Tags Participants
// @Produce json
// @Security BearerAuth
// @Param id path string true "Conversation ID"
// @Param uid path string true "User ID"
// @Success 200 {object} model.SuccessResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 403 {object} model.ErrorResponse
// @Router /conversations/{id}/participants/{uid} [delete]
func (h *ChatHandler) RemoveParticipant(c *gin.Context) {
	convID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	targetID, ok := pathUUID(c, "uid")
	if !ok {
		return
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	if err := h.chatService.RemoveParticipant(c.Request.Context(), userID, convID, targetID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.SuccessResponse{Message: "Participant removed"})
}

// ChangeRole godoc
// @Summary Change a member's role
// @Tags Participants
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Conversation ID"
// @Param uid path string true "User ID"
// @Param body body model.ChangeRoleRequest true "New role"
// @Success 200 {object} model.SuccessResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 403 {object} model.ErrorResponse
// @Router /conversations/{id}/participants/{uid} [patch]
func (h *ChatHandler) ChangeRole(c *gin.Context) {
	convID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	targetID, ok := pathUUID(c, "uid")
	if !ok {
		return
	}

	var req model.ChangeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Invalid request", Code: "request.invalid", Message: err.Error()})
		return
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	if err := h.chatService.ChangeRole(c.Request.Context(), userID, convID, targetID, req.Role); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.SuccessResponse{Message: "Role updated"})
}
