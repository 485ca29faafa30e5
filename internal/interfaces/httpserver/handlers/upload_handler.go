package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"jan-server/services/upload-api/internal/config"
	"jan-server/services/upload-api/internal/domain/upload"
	"jan-server/services/upload-api/internal/interfaces/httpserver/middlewares"
	"jan-server/services/upload-api/internal/interfaces/httpserver/responses"
	"jan-server/services/upload-api/internal/utils/platformerrors"
	"jan-server/services/upload-api/utils/sessionid"
)

// multipartOverhead is the allowance for boundaries and form fields on top of
// the payload limit.
const multipartOverhead = 64 << 10

// idClockSkew tolerates clock drift between replicas minting session ids.
const idClockSkew = time.Minute

// UploadService is the part of the Coordinator the handlers call.
type UploadService interface {
	Upload(ctx context.Context, req upload.Request) (*upload.Session, error)
	Status(ctx context.Context, sessionID, requesterID string) (*upload.Status, error)
}

// UploadHandler exposes upload endpoints.
type UploadHandler struct {
	service  UploadService
	maxBytes int64
	log      zerolog.Logger
}

func NewUploadHandler(cfg *config.Config, service UploadService, log zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		service:  service,
		maxBytes: cfg.MaxUploadBytes,
		log:      log.With().Str("component", "upload-handler").Logger(),
	}
}

// Create godoc
// @Summary      Upload media to a record
// @Description  Accepts a multipart audio upload, stores it and attaches it to the target record. The request returns once the session is Complete or Failed.
// @Tags         uploads
// @Accept       multipart/form-data
// @Produce      json
// @Param        file              formData  file    true   "Audio payload"
// @Param        target_record_id  formData  string  true   "Record the media attaches to"
// @Param        content_type      formData  string  false  "Overrides the part's Content-Type"
// @Success      201  {object}  responses.SessionResponse
// @Failure      400  {object}  platformerrors.HTTPErrorResponse
// @Failure      403  {object}  platformerrors.HTTPErrorResponse
// @Failure      429  {object}  platformerrors.HTTPErrorResponse
// @Failure      499  {object}  platformerrors.HTTPErrorResponse
// @Failure      500  {object}  platformerrors.HTTPErrorResponse
// @Failure      502  {object}  platformerrors.HTTPErrorResponse
// @Failure      503  {object}  platformerrors.HTTPErrorResponse
// @Security     BearerAuth
// @Router       /v1/uploads [post]
func (h *UploadHandler) Create(c *gin.Context) {
	identity, _ := middlewares.IdentityFromContext(c)

	// Cap the body before multipart parsing buffers it
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			platformerrors.WriteValidationError(c, fmt.Sprintf("payload exceeds %d bytes", h.maxBytes))
			return
		}
		platformerrors.WriteValidationError(c, `multipart field "file" is required`)
		return
	}

	targetRecordID := strings.TrimSpace(c.PostForm("target_record_id"))
	if targetRecordID == "" {
		platformerrors.WriteValidationError(c, `form field "target_record_id" is required`)
		return
	}

	data, err := readPart(fileHeader, h.maxBytes)
	if err != nil {
		platformerrors.WriteValidationError(c, "unable to read uploaded file")
		return
	}

	// An explicit form field wins over the part header
	contentType := strings.TrimSpace(c.PostForm("content_type"))
	if contentType == "" {
		contentType = fileHeader.Header.Get("Content-Type")
	}

	session, err := h.service.Upload(c.Request.Context(), upload.Request{
		RequesterID:    identity,
		TargetRecordID: targetRecordID,
		ContentType:    contentType,
		Filename:       fileHeader.Filename,
		Data:           data,
	})
	if err != nil {
		responses.HandleUploadError(c, session, err, h.log)
		return
	}

	c.Header("Location", "/v1/uploads/"+session.ID)
	c.JSON(http.StatusCreated, responses.NewSessionResponse(session))
}

// Get godoc
// @Summary      Get upload status
// @Description  Returns the latest tracked phase of one of the caller's upload sessions.
// @Tags         uploads
// @Produce      json
// @Param        id   path      string  true  "Upload session ID"
// @Success      200  {object}  upload.Status
// @Failure      404  {object}  platformerrors.HTTPErrorResponse
// @Security     BearerAuth
// @Router       /v1/uploads/{id} [get]
func (h *UploadHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !sessionid.Plausible(id, time.Now(), idClockSkew) {
		platformerrors.WriteNotFound(c, "upload session not found")
		return
	}
	identity, _ := middlewares.IdentityFromContext(c)

	status, err := h.service.Status(c.Request.Context(), id, identity)
	if err != nil {
		if errors.Is(err, upload.ErrSessionNotFound) {
			platformerrors.WriteNotFound(c, "upload session not found")
			return
		}
		platformerrors.WriteError(c, err, h.log)
		return
	}
	c.JSON(http.StatusOK, status)
}

// readPart reads at most limit+1 bytes so oversize payloads still reach
// validation and fail there.
func readPart(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit+1))
}
