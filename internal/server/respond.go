package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"deepresearch/internal/errors"
)

// errorResponse is the uniform error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// httpStatus maps error kinds onto HTTP status codes: validation and
// oversized input are the client's fault, missing resources are 404,
// everything else is a core error.
func httpStatus(err error) int {
	switch errors.KindOf(err) {
	case errors.KindValidation, errors.KindContextTooLarge:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := httpStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, errorResponse{
		Error: err.Error(),
		Kind:  errors.KindOf(err).String(),
	})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.fail(c, errors.Wrap(errors.KindValidation, err, "invalid request body"))
}
