package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"policygov/internal/auth"
	"policygov/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CronSecrets are the bearer values accepted by the sweep endpoint. Empty
// values never match.
type CronSecrets struct {
	CronSecret    string
	AdminPassword string
}

func (s CronSecrets) match(tok string) bool {
	ok := false
	for _, want := range []string{s.CronSecret, s.AdminPassword} {
		if want == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(tok), []byte(want)) == 1 {
			ok = true
		}
	}
	return ok
}

// ExpireSweep runs both expiry sweeps. Re-running is safe.
func (h Handlers) ExpireSweep(c *gin.Context) {
	if !h.ready(c) {
		return
	}
	tok, ok := auth.BearerToken(c)
	if !ok || !h.Cron.match(tok) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	requests, err := h.Governance.ExpireStaleRequests(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	grants, err := h.Governance.ExpireGrants(ctx)
	if err != nil {
		writeError(c, err)
		return
	}

	logger.FromGin(c).Info("expiry sweep",
		slog.Int("requests_expired", requests),
		slog.Int("grants_expired", grants),
	)
	c.JSON(http.StatusOK, gin.H{"requests_expired": requests, "grants_expired": grants})
}
