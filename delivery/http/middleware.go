package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sentrasec/detection-engine/config"
	"github.com/sentrasec/detection-engine/domain/entity"
	"github.com/sentrasec/detection-engine/pkg/logging"
	"github.com/sentrasec/detection-engine/pkg/metrics"
)

const requestIDHeader = "X-Request-ID"

// requestID assigns every request an id for log correlation, preserving one
// supplied by the caller.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLogger logs every request with latency and outcome.
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []logging.Field{
			logging.String("method", c.Request.Method),
			logging.String("path", c.Request.URL.Path),
			logging.Int("status", c.Writer.Status()),
			logging.Duration("latency", time.Since(start)),
			logging.String("request_id", c.GetString("request_id")),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
			return
		}
		logger.Info("request handled", fields...)
	}
}

// httpMetrics records per-route request counts and latency. The route
// template is used instead of the raw path so ids do not explode cardinality.
func httpMetrics(collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		collector.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// rateLimit applies one shared token bucket to the analysis endpoints.
func rateLimit(rps float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			abortWithError(c, entity.NewAppError(entity.ErrCodeRateLimited, "request rate limit exceeded"))
			return
		}
		c.Next()
	}
}

// jwtAuth validates bearer tokens. Disabled auth passes everything through,
// which is the default for closed deployments behind a gateway.
func jwtAuth(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abortWithError(c, entity.NewAppError(entity.ErrCodeUnauthorized, "missing bearer token"))
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, entity.NewAppError(entity.ErrCodeUnauthorized, "unexpected signing method")
			}
			return []byte(cfg.JWTSecret), nil
		}, jwt.WithIssuer(cfg.Issuer), jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			abortWithError(c, entity.NewAppError(entity.ErrCodeUnauthorized, "invalid token"))
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, err := claims.GetSubject(); err == nil {
				c.Set("subject", sub)
			}
		}
		c.Next()
	}
}

// abortWithError renders the uniform error envelope from an AppError, hiding
// internals behind a generic message for everything else.
func abortWithError(c *gin.Context, err error) {
	if appErr := entity.GetAppError(err); appErr != nil {
		status := appErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		c.AbortWithStatusJSON(status, errorResponse{
			Code:    string(appErr.Code),
			Message: appErr.Message,
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{
		Code:    string(entity.ErrCodeInternal),
		Message: "internal error",
	})
}
