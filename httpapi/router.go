// Package httpapi exposes the device-facing HTTP surface: /version,
// /firmware, and /health, translating the orchestrator's GetFirmware
// contract into the wire responses devices expect. Metrics are served on
// a separate listener (see cmd/otaflux), per the config's distinct
// metrics_listen_addr.
package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/sharedcode/otaflux"
)

// FirmwareResolver is the subset of the orchestrator the HTTP surface needs.
type FirmwareResolver interface {
	GetFirmware(ctx context.Context, deviceId string) (*otaflux.FirmwareRecord, error)
}

// NewRouter builds the gin router serving the device-facing endpoints.
// webhookHandler may be nil to omit the /webhooks/harbor route.
func NewRouter(resolver FirmwareResolver, webhookHandler gin.HandlerFunc) *gin.Engine {
	router := gin.Default()

	router.GET("/health", getHealth)
	router.GET("/version", withResolver(resolver, getVersion))
	router.GET("/firmware", withResolver(resolver, getFirmwareBinary))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	if webhookHandler != nil {
		router.POST("/webhooks/harbor", webhookHandler)
	}
	return router
}

func withResolver(resolver FirmwareResolver, h func(*gin.Context, FirmwareResolver)) gin.HandlerFunc {
	return func(c *gin.Context) { h(c, resolver) }
}

// getHealth godoc
// @Summary Liveness probe
// @Tags Health
// @Success 200
// @Router /health [get]
func getHealth(c *gin.Context) {
	c.Status(http.StatusOK)
}

func resolveDevice(c *gin.Context, resolver FirmwareResolver) (*otaflux.FirmwareRecord, bool) {
	deviceId := c.Query("device")
	if deviceId == "" {
		c.String(http.StatusBadRequest, "missing required query parameter 'device'")
		return nil, false
	}
	record, err := resolver.GetFirmware(c.Request.Context(), deviceId)
	if err != nil {
		c.String(http.StatusNotFound, "No firmware for device '%s'", deviceId)
		return nil, false
	}
	return record, true
}

// getVersion godoc
// @Summary Report the latest firmware's version, CRC, and size for a device
// @Tags Firmware
// @Param device query string true "device identifier"
// @Produce plain
// @Success 200 {string} string "version\ncrc\nsize"
// @Failure 400 {string} string "missing device parameter"
// @Failure 404 {string} string "no firmware for device"
// @Router /version [get]
func getVersion(c *gin.Context, resolver FirmwareResolver) {
	record, ok := resolveDevice(c, resolver)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8",
		[]byte(fmt.Sprintf("%s\n%d\n%d", record.Version.String(), record.CRC, record.Size)))
}

// getFirmwareBinary godoc
// @Summary Download the latest firmware binary for a device
// @Tags Firmware
// @Param device query string true "device identifier"
// @Produce octet-stream
// @Success 200 {file} binary
// @Failure 400 {string} string "missing device parameter"
// @Failure 404 {string} string "no firmware for device"
// @Router /firmware [get]
func getFirmwareBinary(c *gin.Context, resolver FirmwareResolver) {
	record, ok := resolveDevice(c, resolver)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", record.Binary)
}
