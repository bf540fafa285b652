package handler

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/service"
	"github.com/quocanhngo/convo/pkg/storage"
)

// Max avatar size: 5MB
const maxAvatarSize = 5 << 20

// Allowed MIME types
var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// UploadHandler handles profile picture uploads
type UploadHandler struct {
	storage     storage.Storage
	authService *service.AuthService
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(storage storage.Storage, authService *service.AuthService) *UploadHandler {
	return &UploadHandler{storage: storage, authService: authService}
}

// UploadAvatar godoc
// @Summary Upload a new profile picture
// @Description Accepts jpg, png, gif or webp up to 5MB and returns the updated profile.
// @Tags Auth
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param file formData file true "Image to upload"
// @Success 200 {object} model.ProfileResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 413 {object} model.ErrorResponse
// @Router /auth/profile/avatar [put]
func (h *UploadHandler) UploadAvatar(c *gin.Context) {
	// Limit request body size, leaving room for the multipart envelope
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAvatarSize+1<<20)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, model.ErrorResponse{Error: "File too large (max 5MB)", Code: "upload.tooLarge"})
			return
		}
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "File is required", Code: "request.invalid", Message: err.Error()})
		return
	}
	defer file.Close()

	if header.Size > maxAvatarSize {
		c.JSON(http.StatusRequestEntityTooLarge, model.ErrorResponse{Error: "File too large (max 5MB)", Code: "upload.tooLarge"})
		return
	}

	// Sniff the type from the content; the client-supplied header is not trusted
	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Unreadable file", Code: "request.invalid", Message: err.Error()})
		return
	}
	head = head[:n]
	contentType := http.DetectContentType(head)
	if !allowedImageTypes[contentType] {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Error:   "Unsupported file type",
			Code:    "upload.unsupportedType",
			Message: "Allowed: jpg, png, gif, webp",
		})
		return
	}

	userID := c.MustGet("user_id").(uuid.UUID)
	body := io.MultiReader(bytes.NewReader(head), file)
	result, err := h.storage.UploadAvatar(c.Request.Context(), userID, body, header.Size, contentType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{Error: "Failed to upload file", Message: err.Error()})
		return
	}

	profile, err := h.authService.UpdateAvatar(c.Request.Context(), userID, result.URL)
	if err != nil {
		// the profile keeps its old avatar; drop the orphaned object
		_ = h.storage.Delete(c.Request.Context(), result.Key)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, profile)
}
