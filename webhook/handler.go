// Package webhook implements the registry push-notification endpoint:
// POST /webhooks/harbor. It resolves the pushed repository's firmware and
// publishes an update notification, swallowing every error so the
// registry never sees a failed delivery as a reason to retry.
package webhook

import (
	"context"
	"encoding/json"
	log "log/slog"

	"github.com/gin-gonic/gin"

	"github.com/sharedcode/otaflux"
)

// FirmwareResolver is the subset of the orchestrator the webhook needs.
type FirmwareResolver interface {
	GetFirmware(ctx context.Context, deviceId string) (*otaflux.FirmwareRecord, error)
}

// Event is the subset of a Harbor push-artifact webhook payload this
// service acts on.
type Event struct {
	Type     string `json:"type"`
	OccurAt  int64  `json:"occur_at"`
	Operator string `json:"operator"`
	EventData struct {
		Resources  []json.RawMessage `json:"resources"`
		Repository struct {
			Name string `json:"name"`
		} `json:"repository"`
	} `json:"event_data"`
}

const pushArtifactType = "PUSH_ARTIFACT"

// notifyPayload is the JSON body published to the notifier.
type notifyPayload struct {
	Version string `json:"version"`
	Size    int    `json:"size"`
}

// Handler serves POST /webhooks/harbor.
type Handler struct {
	resolver  FirmwareResolver
	notifier  otaflux.Notifier
	admission *AdmissionFilter
}

// NewHandler constructs a Handler. admission may be nil to admit every
// PUSH_ARTIFACT event unconditionally.
func NewHandler(resolver FirmwareResolver, notifier otaflux.Notifier, admission *AdmissionFilter) *Handler {
	return &Handler{resolver: resolver, notifier: notifier, admission: admission}
}

// ServeHTTP handles the gin route for POST /webhooks/harbor.
func (h *Handler) ServeHTTP(c *gin.Context) {
	var raw map[string]any
	if err := c.ShouldBindJSON(&raw); err != nil {
		log.Warn("webhook: malformed body", "error", err)
		c.Status(200)
		return
	}

	var evt Event
	body, _ := json.Marshal(raw)
	if err := json.Unmarshal(body, &evt); err != nil {
		log.Warn("webhook: could not decode event", "error", err)
		c.Status(200)
		return
	}

	if evt.Type != pushArtifactType {
		c.Status(200)
		return
	}

	if h.admission != nil {
		admit, err := h.admission.Admit(raw)
		if err != nil {
			log.Warn("webhook: admission filter error", "error", err)
			c.Status(200)
			return
		}
		if !admit {
			c.Status(200)
			return
		}
	}

	deviceId := evt.EventData.Repository.Name
	record, err := h.resolver.GetFirmware(c.Request.Context(), deviceId)
	if err != nil {
		log.Warn("webhook: resolving firmware failed", "device_id", deviceId, "error", err)
		c.Status(200)
		return
	}

	payload, err := json.Marshal(notifyPayload{Version: record.Version.String(), Size: record.Size})
	if err != nil {
		log.Warn("webhook: serializing notification failed", "device_id", deviceId, "error", err)
		c.Status(200)
		return
	}

	if err := h.notifier.Publish(c.Request.Context(), deviceId, payload); err != nil {
		log.Warn("webhook: publish failed", "device_id", deviceId, "error", err)
	}
	c.Status(200)
}
