package httpadapter

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelsec/botwave/internal/signature"
)

// behaviorLookup is the subset of *engine.Engine the signature handler needs.
type behaviorLookup interface {
	Coordinator() *signature.Coordinator
}

// SignatureHandler answers GET /signature/:id with the signature's current
// AggregateBehavior, 404 once its record window has aged out past the
// coordinator's TTL.
func SignatureHandler(eng behaviorLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		behavior, ok := eng.Coordinator().GetBehavior(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown or expired signature"})
			return
		}
		c.JSON(http.StatusOK, behavior)
	}
}
