package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recovery turns handler panics into a logged 500. http.ErrAbortHandler is
// re-raised so net/http drops the connection: a handler uses it to make a
// stream it can no longer finish fail on the client side.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}
			logger.Error("panic recovered",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
				return
			}
			c.Abort()
		}()
		c.Next()
	}
}
