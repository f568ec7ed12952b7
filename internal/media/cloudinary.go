package media

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	uploadFolder   = "fieldcrm"
	deliveryType   = "authenticated"
	maxReplyBytes  = 2 << 20
	requestTimeout = 20 * time.Second
)

type Asset struct {
	PublicID  string `json:"public_id"`
	Format    string `json:"format"`
	SecureURL string `json:"-"`
}

// Cloudinary stores uploads as authenticated assets that are only reachable through signed delivery URLs.
type Cloudinary struct {
	apiKey       string
	apiSecret    string
	uploadURL    string
	deliveryBase string
	httpClient   *http.Client
	now          func() time.Time
}

type cloudinaryUploadResponse struct {
	PublicID  string `json:"public_id"`
	Format    string `json:"format"`
	SecureURL string `json:"secure_url"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewCloudinary(rawURL string) (*Cloudinary, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse cloudinary url: %w", err)
	}

	if parsed.Scheme != "cloudinary" {
		return nil, fmt.Errorf("invalid cloudinary scheme")
	}

	apiKey := parsed.User.Username()
	apiSecret, ok := parsed.User.Password()
	if !ok {
		return nil, fmt.Errorf("missing cloudinary api secret")
	}
	cloudName := parsed.Hostname()
	if apiKey == "" || apiSecret == "" || cloudName == "" {
		return nil, fmt.Errorf("invalid cloudinary credentials")
	}

	return &Cloudinary{
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		uploadURL:    fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/image/upload", cloudName),
		deliveryBase: fmt.Sprintf("https://res.cloudinary.com/%s/image/%s", cloudName, deliveryType),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		now: time.Now,
	}, nil
}

func (c *Cloudinary) UploadImage(ctx context.Context, imageSource string) (Asset, error) {
	imageSource = strings.TrimSpace(imageSource)
	if imageSource == "" {
		return Asset{}, fmt.Errorf("empty image source")
	}

	params := map[string]string{
		"folder":    uploadFolder,
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
		"type":      deliveryType,
	}
	signature := c.signParams(params)

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		fields := [][2]string{
			{"file", imageSource},
			{"folder", params["folder"]},
			{"timestamp", params["timestamp"]},
			{"type", params["type"]},
			{"api_key", c.apiKey},
			{"signature", signature},
		}
		for _, field := range fields {
			if err := writer.WriteField(field[0], field[1]); err != nil {
				_ = pw.CloseWithError(fmt.Errorf("write %s field: %w", field[0], err))
				return
			}
		}
		if err := writer.Close(); err != nil {
			_ = pw.CloseWithError(fmt.Errorf("close multipart writer: %w", err))
			return
		}
		_ = pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, pr)
	if err != nil {
		return Asset{}, fmt.Errorf("build cloudinary upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Asset{}, fmt.Errorf("cloudinary upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Asset{}, fmt.Errorf("read cloudinary response: %w", err)
	}

	var parsedResp cloudinaryUploadResponse
	if err := json.Unmarshal(body, &parsedResp); err != nil {
		return Asset{}, fmt.Errorf("decode cloudinary response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsedResp.Error != nil && parsedResp.Error.Message != "" {
			return Asset{}, fmt.Errorf("cloudinary upload failed: %s", parsedResp.Error.Message)
		}
		return Asset{}, fmt.Errorf("cloudinary upload failed with status %d", resp.StatusCode)
	}

	if parsedResp.PublicID == "" {
		return Asset{}, fmt.Errorf("cloudinary response missing public_id")
	}

	return Asset{
		PublicID:  parsedResp.PublicID,
		Format:    parsedResp.Format,
		SecureURL: parsedResp.SecureURL,
	}, nil
}

// DeliveryURL returns a Cloudinary-signed URL for an authenticated asset.
func (c *Cloudinary) DeliveryURL(publicID string) string {
	publicID = strings.TrimPrefix(publicID, "/")

	h := sha1.New() // #nosec G401: cloudinary URL signatures require SHA-1.
	_, _ = h.Write([]byte(publicID + c.apiSecret))
	signature := base64.RawURLEncoding.EncodeToString(h.Sum(nil))[:8]

	return c.deliveryBase + "/s--" + signature + "--/" + publicID
}

func (c *Cloudinary) signParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	h := sha1.New() // #nosec G401: cloudinary API signature requires SHA-1.
	_, _ = h.Write([]byte(strings.Join(pairs, "&") + c.apiSecret))
	return hex.EncodeToString(h.Sum(nil))
}
