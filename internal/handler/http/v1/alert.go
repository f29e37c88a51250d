package v1

import (
	"errors"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/shenikar/food_alert_system/internal/models"
	"github.com/sirupsen/logrus"
)

// запас на поля формы сверх размера изображения
const formOverhead = 64 << 10

// @Summary Create a new alert
// @Description Publish a surplus food alert. The optional image is classified; classification failure does not block creation.
// @Tags Alerts
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param description formData string true "What is available"
// @Param quantity formData string true "How much is available"
// @Param location formData string true "Pickup location"
// @Param image formData file false "Photo of the food"
// @Success 201 {object} CreateAlertResponse
// @Failure 400 {object} map[string]string "Invalid form or validation error"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Only producers can create alerts"
// @Failure 413 {object} map[string]string "Image is too large"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /alerts [post]
func (h *Handler) createAlert(c *gin.Context) {
	var form CreateAlertForm
	log := h.logger.WithField("method", "createAlert")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes+formOverhead)

	if err := c.ShouldBind(&form); err != nil {
		if isTooLarge(err) {
			h.respondError(c, log, errUploadTooLarge)
			return
		}
		log.WithError(err).Warn("Failed to bind form")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	if err := h.validate.Struct(form); err != nil {
		log.WithError(err).Warn("Validation failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	image, err := h.readUpload(c, "image")
	if err != nil {
		h.uploadError(c, log, err)
		return
	}

	result, err := h.alertService.CreateAlert(c.Request.Context(), actorFromContext(c), FormToNewAlert(form, image))
	if err != nil {
		h.respondError(c, log, err)
		return
	}

	c.JSON(http.StatusCreated, CreateAlertResponse{
		Alert:   ModelToAlertResponse(result.Alert),
		Warning: result.Warning,
	})
}

// @Summary List own alerts
// @Description Alerts created by the calling producer, newest first
// @Tags Alerts
// @Produce json
// @Security BearerAuth
// @Success 200 {array} AlertResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Only producers have own alerts"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /alerts/mine [get]
func (h *Handler) listOwnAlerts(c *gin.Context) {
	log := h.logger.WithField("method", "listOwnAlerts")

	alerts, err := h.alertService.ListOwnAlerts(c.Request.Context(), actorFromContext(c))
	if err != nil {
		h.respondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, ModelsToAlertResponses(alerts))
}

// @Summary List open alerts
// @Description Alerts from all producers that are not collected yet, newest first
// @Tags Alerts
// @Produce json
// @Security BearerAuth
// @Success 200 {array} AlertResponse
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Only collectors can browse open alerts"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /alerts/open [get]
func (h *Handler) listOpenAlerts(c *gin.Context) {
	log := h.logger.WithField("method", "listOpenAlerts")

	alerts, err := h.alertService.ListOpenAlerts(c.Request.Context(), actorFromContext(c))
	if err != nil {
		h.respondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, ModelsToAlertResponses(alerts))
}

// @Summary Get alert by ID
// @Description Get a single alert. Producers see only their own alerts.
// @Tags Alerts
// @Produce json
// @Security BearerAuth
// @Param id path string true "Alert ID"
// @Success 200 {object} AlertResponse
// @Failure 400 {object} map[string]string "Invalid alert ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Alert not found"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /alerts/{id} [get]
func (h *Handler) getAlert(c *gin.Context) {
	log := h.logger.WithField("method", "getAlert")
	id, ok := parseAlertID(c)
	if !ok {
		return
	}

	alert, err := h.alertService.GetAlert(c.Request.Context(), actorFromContext(c), id)
	if err != nil {
		h.respondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, ModelToAlertResponse(alert))
}

// @Summary Get alert image
// @Description Stream the image attached to an alert
// @Tags Alerts
// @Produce image/png
// @Produce image/jpeg
// @Produce image/gif
// @Security BearerAuth
// @Param id path string true "Alert ID"
// @Success 200 {file} binary
// @Failure 400 {object} map[string]string "Invalid alert ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 404 {object} map[string]string "Alert or image not found"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /alerts/{id}/image [get]
func (h *Handler) getAlertImage(c *gin.Context) {
	log := h.logger.WithField("method", "getAlertImage")
	id, ok := parseAlertID(c)
	if !ok {
		return
	}

	rc, err := h.alertService.OpenImage(c.Request.Context(), actorFromContext(c), id)
	if err != nil {
		h.respondError(c, log, err)
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		h.respondError(c, log, err)
		return
	}
	c.Data(http.StatusOK, mimetype.Detect(data).String(), data)
}

// @Summary Claim an alert
// @Description Mark an alert as collected. Claiming an already collected alert succeeds with claimed=false.
// @Tags Alerts
// @Produce json
// @Security BearerAuth
// @Param id path string true "Alert ID"
// @Success 200 {object} ClaimResponse
// @Failure 400 {object} map[string]string "Invalid alert ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Only collectors can claim"
// @Failure 404 {object} map[string]string "Alert not found"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /alerts/{id}/claim [post]
func (h *Handler) claimAlert(c *gin.Context) {
	log := h.logger.WithField("method", "claimAlert")
	id, ok := parseAlertID(c)
	if !ok {
		return
	}

	result, err := h.alertService.Claim(c.Request.Context(), actorFromContext(c), id)
	if err != nil {
		h.respondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, ClaimResponse{AlertID: result.AlertID, Collected: true, Claimed: result.Claimed})
}

// @Summary Mark own alert as collected
// @Description Producer marks an own alert as collected. Repeated calls succeed.
// @Tags Alerts
// @Security BearerAuth
// @Param id path string true "Alert ID"
// @Success 204 "No Content"
// @Failure 400 {object} map[string]string "Invalid alert ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Not the owner"
// @Failure 404 {object} map[string]string "Alert not found"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /alerts/{id}/collected [post]
func (h *Handler) markCollected(c *gin.Context) {
	log := h.logger.WithField("method", "markCollected")
	id, ok := parseAlertID(c)
	if !ok {
		return
	}

	if err := h.alertService.MarkCollected(c.Request.Context(), actorFromContext(c), id); err != nil {
		h.respondError(c, log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Delete an alert
// @Description Producer deletes an own alert together with its image
// @Tags Alerts
// @Security BearerAuth
// @Param id path string true "Alert ID"
// @Success 204 "No Content"
// @Failure 400 {object} map[string]string "Invalid alert ID"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 403 {object} map[string]string "Not the owner"
// @Failure 404 {object} map[string]string "Alert not found"
// @Failure 500 {object} map[string]string "Internal server error"
// @Router /alerts/{id} [delete]
func (h *Handler) deleteAlert(c *gin.Context) {
	log := h.logger.WithField("method", "deleteAlert")
	id, ok := parseAlertID(c)
	if !ok {
		return
	}

	if err := h.alertService.DeleteAlert(c.Request.Context(), actorFromContext(c), id); err != nil {
		h.respondError(c, log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Classify an image
// @Description Return the food category of an uploaded image without creating an alert
// @Tags Classifier
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Param image formData file true "Photo of the food"
// @Success 200 {object} ClassifyResponse
// @Failure 400 {object} map[string]string "Image is missing or has unsupported type"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 413 {object} map[string]string "Image is too large"
// @Failure 422 {object} map[string]string "Image is unreadable"
// @Failure 503 {object} map[string]string "Classifier unavailable"
// @Router /classify [post]
func (h *Handler) classifyImage(c *gin.Context) {
	log := h.logger.WithField("method", "classifyImage")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxUploadBytes+formOverhead)

	upload, err := h.readUpload(c, "image")
	if err != nil {
		h.uploadError(c, log, err)
		return
	}
	if upload == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	}

	label, err := h.alertService.ClassifyImage(c.Request.Context(), actorFromContext(c), *upload)
	if err != nil {
		h.respondError(c, log, err)
		return
	}
	c.JSON(http.StatusOK, ClassifyResponse{Label: string(label)})
}

// readUpload читает файл из multipart-поля. Отсутствие поля не является ошибкой.
func (h *Handler) readUpload(c *gin.Context, field string) (*models.Upload, error) {
	header, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if header.Size > h.cfg.MaxUploadBytes {
		return nil, errUploadTooLarge
	}

	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.cfg.MaxUploadBytes {
		return nil, errUploadTooLarge
	}
	return &models.Upload{Filename: header.Filename, Data: data}, nil
}

func (h *Handler) uploadError(c *gin.Context, log *logrus.Entry, err error) {
	if errors.Is(err, errUploadTooLarge) || isTooLarge(err) {
		h.respondError(c, log, errUploadTooLarge)
		return
	}
	log.WithError(err).Warn("Failed to read upload")
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload"})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
