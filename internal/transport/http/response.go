package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIResponse is the JSON envelope of every API answer. Code repeats the
// HTTP status so clients that only see the body can branch on it.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func envelope(status int, data any, message string) APIResponse {
	if message == "" {
		message = http.StatusText(status)
	}
	return APIResponse{
		Success: status < http.StatusBadRequest,
		Data:    data,
		Message: message,
		Code:    status,
	}
}

// RespondSuccess writes data with a 2xx status.
func RespondSuccess(c *gin.Context, httpStatus int, data any, message string) {
	c.JSON(httpStatus, envelope(httpStatus, data, message))
}

// RespondError writes a failure with a 4xx/5xx status. The message is shown
// to API users as is.
func RespondError(c *gin.Context, httpStatus int, message string, data any) {
	c.JSON(httpStatus, envelope(httpStatus, data, message))
}

// AbortWithError responds with a failure and stops the handler chain.
func AbortWithError(c *gin.Context, httpStatus int, message string) {
	c.AbortWithStatusJSON(httpStatus, envelope(httpStatus, nil, message))
}
