package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quocanhngo/convo/internal/chat"
	"github.com/quocanhngo/convo/internal/model"
	"github.com/quocanhngo/convo/internal/service"
)

// errorStatus maps a service error to its HTTP status
func errorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	}
	switch chat.KindOf(err) {
	case chat.KindValidation:
		return http.StatusBadRequest
	case chat.KindDenied:
		return http.StatusForbidden
	case chat.KindNotFound:
		return http.StatusNotFound
	case chat.KindConflict:
		return http.StatusConflict
	case chat.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrUsernameTaken), errors.Is(err, service.ErrInvalidCredentials):
		return err.Error()
	}
	return chat.Code(err)
}

// respondError writes err as {error, code} with the matching status
func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), model.ErrorResponse{Error: err.Error(), Code: errorCode(err)})
}

// pathUUID parses a path parameter, answering 400 when it is malformed
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Invalid " + name, Code: "request.invalid"})
		return uuid.Nil, false
	}
	return id, true
}
