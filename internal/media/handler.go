package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"fieldcrm/internal/apierr"
	"fieldcrm/internal/auth"
	"fieldcrm/internal/observability"
	"fieldcrm/internal/signedurl"
)

const (
	maxUploadSizeBytes = 10 << 20
	maxJSONBodyBytes   = 1 << 16

	FilesPrefix    = "/media/files/"
	DefaultLinkTTL = 5 * time.Minute
	MaxLinkTTL     = 24 * time.Hour
)

type Storage interface {
	UploadImage(ctx context.Context, imageSource string) (Asset, error)
	DeliveryURL(publicID string) string
}

type Handler struct {
	storage Storage
	links   *signedurl.Authority
	logger  *observability.Logger
}

func NewHandler(storage Storage, links *signedurl.Authority, logger *observability.Logger) *Handler {
	return &Handler{storage: storage, links: links, logger: logger}
}

type signLinkRequest struct {
	Path       string `json:"path"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type linkResponse struct {
	PublicID  string    `json:"public_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		apierr.Write(w, apierr.NotFound("media storage is not configured"))
		return
	}

	if err := r.ParseMultipartForm(maxUploadSizeBytes); err != nil {
		apierr.Write(w, apierr.BadRequest("invalid multipart form"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		apierr.Write(w, apierr.BadRequest("file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
	if err != nil {
		apierr.Write(w, apierr.BadRequest("failed to read file"))
		return
	}
	if len(data) == 0 {
		apierr.Write(w, apierr.BadRequest("file is empty"))
		return
	}
	if len(data) > maxUploadSizeBytes {
		apierr.Write(w, apierr.BadRequest("file is too large"))
		return
	}

	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		apierr.Write(w, apierr.BadRequest("file must be an image"))
		return
	}

	imageSource := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data))
	asset, err := h.storage.UploadImage(r.Context(), imageSource)
	if err != nil {
		h.logger.Error("media_upload_failed", map[string]any{"error": err.Error()})
		apierr.Write(w, apierr.Upstream("failed to upload image"))
		return
	}

	link, err := h.sign(asset.PublicID, DefaultLinkTTL)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	h.logger.Info("media_uploaded", map[string]any{
		"public_id": asset.PublicID,
		"subject":   observability.MaskEmail(identity.Email),
	})
	apierr.WriteJSON(w, http.StatusCreated, link)
}

func (h *Handler) SignLink(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body signLinkRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		apierr.Write(w, apierr.BadRequest("invalid json body"))
		return
	}

	publicID, ok := cleanPublicID(body.Path)
	if !ok {
		apierr.Write(w, apierr.BadRequest("path is invalid"))
		return
	}

	ttl := DefaultLinkTTL
	if body.TTLSeconds != 0 {
		ttl = time.Duration(body.TTLSeconds) * time.Second
	}
	if ttl <= 0 || ttl > MaxLinkTTL {
		apierr.Write(w, apierr.BadRequest("ttl_seconds must be between 1 and 86400"))
		return
	}

	link, err := h.sign(publicID, ttl)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	apierr.WriteJSON(w, http.StatusOK, link)
}

// Serve must be mounted behind signedurl.Protect.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	if h.storage == nil {
		apierr.Write(w, apierr.NotFound("media storage is not configured"))
		return
	}

	publicID, ok := cleanPublicID(r.PathValue("path"))
	if !ok {
		apierr.Write(w, apierr.NotFound("not found"))
		return
	}

	w.Header().Set("Cache-Control", "private, no-store")
	http.Redirect(w, r, h.storage.DeliveryURL(publicID), http.StatusFound)
}

func (h *Handler) sign(publicID string, ttl time.Duration) (linkResponse, error) {
	expiresAt := time.Now().Add(ttl).UTC().Truncate(time.Second)
	signed, err := h.links.Sign(FilesPrefix+publicID, ttl)
	if err != nil {
		return linkResponse{}, fmt.Errorf("sign media link: %w", err)
	}

	return linkResponse{PublicID: publicID, URL: signed, ExpiresAt: expiresAt}, nil
}

func cleanPublicID(raw string) (string, bool) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), FilesPrefix)
	raw = strings.Trim(raw, "/")
	if raw == "" || strings.Contains(raw, "..") || strings.ContainsAny(raw, "?#%\\") {
		return "", false
	}

	cleaned := path.Clean(raw)
	if cleaned != raw {
		return "", false
	}
	return cleaned, true
}
