package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the envelope of every API response.
type Response struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Result    any    `json:"result,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeOK(c *gin.Context, result any) {
	c.JSON(http.StatusOK, Response{Status: StatusOK, Result: result, RequestID: c.GetString(requestIDKey)})
}

func writeError(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, Response{Status: StatusError, Message: msg, RequestID: c.GetString(requestIDKey)})
}
