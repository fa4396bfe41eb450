package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Checker is a dependency the service cannot work without.
type Checker interface {
	Healthy(ctx context.Context) bool
}

// Health answers 200 when every check passes and 503 otherwise.
func Health(checks map[string]Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		results := make(map[string]bool, len(checks))
		for name, chk := range checks {
			up := chk.Healthy(ctx)
			results[name] = up
			if !up {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		c.JSON(code, gin.H{"status": status, "checks": results})
	}
}
