package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/cmdq/internal/common/errors"
	"github.com/kandev/cmdq/internal/common/httpmw"
	"github.com/kandev/cmdq/internal/common/logger"
)

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		var appErr *errors.AppError
		if !stderrors.As(err, &appErr) {
			log.Error("Internal server error", zap.Error(err))
			appErr = errors.Internal()
		} else {
			log.Debug("Request error",
				zap.String("code", appErr.Code),
				zap.String("message", appErr.Message),
				zap.Int("status", appErr.HTTPStatus))
		}
		c.JSON(appErr.HTTPStatus, appErr.Envelope())
	}
}

// Recovery recovers from panics and logs them.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method))

				appErr := errors.Internal()
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Envelope())
			}
		}()

		c.Next()
	}
}

// CORS answers browsers whose Origin the policy allows and refuses the
// rest with 403. Requests without an Origin header pass through untouched.
func CORS(policy *httpmw.OriginPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if !policy.Allows(origin) {
			appErr := errors.Forbidden("origin not allowed")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Envelope())
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
