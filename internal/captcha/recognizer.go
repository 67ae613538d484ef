package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OCRClient talks to a self-hosted OCR sidecar (tesseract behind a
// small HTTP wrapper). The sidecar accepts the raw image and answers
// with recognized text plus a 0–100 confidence score.
type OCRClient struct {
	endpoint string
	http     *http.Client
}

func NewOCRClient(endpoint string) *OCRClient {
	return &OCRClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 20 * time.Second},
	}
}

type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (c *OCRClient) Recognize(ctx context.Context, image []byte, contentType string) (Recognition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(image))
	if err != nil {
		return Recognition{}, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return Recognition{}, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Recognition{}, fmt.Errorf("ocr http %d: %s", resp.StatusCode, string(b))
	}

	var out ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Recognition{}, fmt.Errorf("decode ocr response: %w", err)
	}
	return Recognition{Text: out.Text, Confidence: out.Confidence}, nil
}

// SolvingServiceClient submits captchas to a paid external solving
// service. Selected per construction as an alternative to OCR, not a
// fallback: the config decides which Recognizer the Solver gets.
type SolvingServiceClient struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewSolvingServiceClient(endpoint, apiKey string) *SolvingServiceClient {
	return &SolvingServiceClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 60 * time.Second},
	}
}

type solvingRequest struct {
	APIKey string `json:"api_key"`
	Image  string `json:"image_base64"`
}

type solvingResponse struct {
	Text    string `json:"text"`
	ErrorID int    `json:"error_id"`
	Error   string `json:"error,omitempty"`
}

func (c *SolvingServiceClient) Recognize(ctx context.Context, image []byte, contentType string) (Recognition, error) {
	payload, err := json.Marshal(solvingRequest{
		APIKey: c.apiKey,
		Image:  base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return Recognition{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Recognition{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Recognition{}, fmt.Errorf("solving service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return Recognition{}, fmt.Errorf("solving service http %d: %s", resp.StatusCode, string(b))
	}

	var out solvingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Recognition{}, fmt.Errorf("decode solving response: %w", err)
	}
	if out.ErrorID != 0 {
		return Recognition{}, fmt.Errorf("solving service error %d: %s", out.ErrorID, out.Error)
	}
	// Paid services do not report per-solve confidence; treat their
	// answers as confident so no confusion correction is applied.
	return Recognition{Text: out.Text, Confidence: 100}, nil
}
