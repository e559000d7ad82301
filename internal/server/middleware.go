package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	obscontext "github.com/smallbiznis/creditledger/internal/observability/context"
)

const (
	HeaderActorRole      = "X-Actor-Role"
	HeaderActorID        = "X-Actor-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	contextActorRoleKey  = "actor_role"
	contextRetryAfterKey = "retry_after_seconds"
)

// ActorContext records the caller's role for the ledger entry audit trail.
// Callers are trusted to set it; authentication happens upstream.
func ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		role := strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderActorRole)))
		if role == "" {
			role = domain.DefaultActorRole
		}
		if len(role) > 64 {
			AbortWithError(c, newValidationError("actor_role", "invalid_actor_role", "actor role is too long"))
			return
		}

		ctx := obscontext.WithActor(c.Request.Context(), role, c.GetHeader(HeaderActorID))
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextActorRoleKey, role)
		c.Next()
	}
}

func actorRole(c *gin.Context) string {
	if role := c.GetString(contextActorRoleKey); role != "" {
		return role
	}
	return domain.DefaultActorRole
}
