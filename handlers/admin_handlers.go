package handlers

import (
	"net/http"

	"sitepulse/api/buffer"
	"sitepulse/api/geo"
	"sitepulse/api/wsconfig"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AdminHandlers is the operator/directory-facing maintenance surface.
type AdminHandlers struct {
	Geo     *geo.Resolver
	Configs *wsconfig.Cache
	Buffer  *buffer.Buffer
	log     zerolog.Logger
}

func NewAdminHandlers(geoResolver *geo.Resolver, configs *wsconfig.Cache, buf *buffer.Buffer, log zerolog.Logger) *AdminHandlers {
	return &AdminHandlers{Geo: geoResolver, Configs: configs, Buffer: buf, log: log}
}

// ReloadGeo reopens the geo database after an operator replaces the file on
// disk. A missing file is not an error; the resolver just returns empty
// locations until the next successful reload.
func (h *AdminHandlers) ReloadGeo(c *gin.Context) {
	if err := h.Geo.Reload(); err != nil {
		h.log.Error().Err(err).Msg("geo database reload failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reload geo database"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": h.Geo.Ready()})
}

// GeoStatus reports whether a geo database is loaded.
func (h *AdminHandlers) GeoStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ready": h.Geo.Ready()})
}

// InvalidateWorkspace is the invalidation RPC the workspace directory calls
// after any settings or filter-rule change.
func (h *AdminHandlers) InvalidateWorkspace(c *gin.Context) {
	workspaceID := c.Param("id")
	if workspaceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workspace id is required"})
		return
	}
	h.Configs.Invalidate(workspaceID)
	h.log.Info().Str("workspace_id", workspaceID).Msg("workspace config invalidated")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// BufferStats returns the queued event count, per workspace when
// workspace_id is given, otherwise across all workspaces.
func (h *AdminHandlers) BufferStats(c *gin.Context) {
	if workspaceID := c.Query("workspace_id"); workspaceID != "" {
		c.JSON(http.StatusOK, gin.H{"workspace_id": workspaceID, "buffered": h.Buffer.Size(workspaceID)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buffered": h.Buffer.TotalSize()})
}
