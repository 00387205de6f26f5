package http

import (
	"github.com/gin-gonic/gin"

	"prism/internal/errors"
)

// apiError is the wire form of a failed request. Code values match the
// stable error kind codes clients switch on.
type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(errors.HTTPStatus(err), errorBody{Error: apiError{
		Code:      errors.KindOf(err).Code(),
		Message:   err.Error(),
		Retriable: errors.IsRetriable(err),
	}})
}
