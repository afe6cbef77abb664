package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/railzwaylabs/credits/internal/tenantcontext"
	"go.uber.org/zap"
)

const headerTenantID = "X-Tenant-ID"

// TenantRequired reads the tenant resolved by the upstream auth layer. The
// tenant is never taken from request bodies.
func (s *Server) TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(headerTenantID))
		if raw == "" {
			AbortWithError(c, ErrTenantRequired)
			return
		}
		id, err := snowflake.ParseString(raw)
		if err != nil || id <= 0 {
			AbortWithError(c, ErrTenantRequired)
			return
		}
		c.Request = c.Request.WithContext(tenantcontext.WithTenantID(c.Request.Context(), id))
		c.Next()
	}
}

func (s *Server) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.HTTPRequest(c.Request.Method, route, strconv.Itoa(status))

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}
		if status >= 500 {
			s.log.Error("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}

func parseID(c *gin.Context, param string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(param)))
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError(param, "invalid_id", param+" must be a numeric id"))
		return 0, false
	}
	return id, true
}

func parseOptionalID(c *gin.Context, query string) (*snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Query(query))
	if raw == "" {
		return nil, true
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError(query, "invalid_id", query+" must be a numeric id"))
		return nil, false
	}
	return &id, true
}

func parseOptionalTime(c *gin.Context, query string) (*time.Time, bool) {
	raw := strings.TrimSpace(c.Query(query))
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		AbortWithError(c, newValidationError(query, "invalid_time", query+" must be RFC3339"))
		return nil, false
	}
	return &t, true
}
