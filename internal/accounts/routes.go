package accounts

import (
	"log"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.RouterGroup, h *Handler) {
	r.GET("/accounts", h.List)
	r.POST("/accounts", h.Create)
	r.GET("/accounts/:id", h.Get)
	r.GET("/accounts/:id/qr", h.QR)
	r.PUT("/accounts/:id/webhook", h.UpdateWebhook)
	r.GET("/accounts/:id/snapshot", h.Snapshot)
	r.POST("/accounts/:id/send", h.Send)
	r.DELETE("/accounts/:id", h.Delete)
	r.GET("/accounts/:id/incidents", h.Incidents)
	r.GET("/stats", h.Stats)

	log.Printf("[ROUTER] Account routes registered")
}
