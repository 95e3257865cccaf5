package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthCheck возвращает статус сервиса
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "billing-reconciler",
	})
}
