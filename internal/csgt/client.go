package csgt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "https://www.csgt.vn"

	captchaPath    = "/lib/captcha/captcha.class.php"
	validatePath   = "/?mod=contact&task=tracuu_post&ajax"
	resultPath     = "/tra-cuu-phuong-tien-vi-pham.html"
	defaultTimeout = 30 * time.Second

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

// Client owns one cookie-bearing HTTP session against csgt.vn. Cookies
// persist across the four calls of a single lookup invocation only;
// build a fresh Client per pipeline call.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// Option tweaks client construction.
type Option func(*Client)

// WithBaseURL points the client at a different host (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// NewClient builds a session client with a fresh cookie jar.
func NewClient(log zerolog.Logger, opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		baseURL: DefaultBaseURL,
		http: &http.Client{
			Jar:     jar,
			Timeout: defaultTimeout,
		},
		log: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InitSession performs the initial GET that establishes the session
// cookies the captcha and validation endpoints require.
func (c *Client) InitSession(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return newSiteError(KindSessionInit, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// Always transient: a fresh attempt re-establishes the session.
		return newSiteError(KindSessionInit, "init session", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &SiteError{Kind: KindSessionInit, Status: resp.StatusCode, Msg: fmt.Sprintf("init session: status %d", resp.StatusCode)}
	}
	return nil
}

// FetchCaptcha downloads the current captcha image for this session.
// The orchestrator calls this fresh whenever it decides to refresh.
func (c *Client) FetchCaptcha(ctx context.Context) (image []byte, contentType string, err error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+captchaPath, nil)
	if err != nil {
		return nil, "", newSiteError(KindCaptchaFetch, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if classifyTransport(err) == KindTimeout {
			return nil, "", newSiteError(KindTimeout, "fetch captcha", err)
		}
		return nil, "", newSiteError(KindCaptchaFetch, "fetch captcha", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", statusError("fetch captcha", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", newSiteError(KindCaptchaFetch, "read captcha body", err)
	}
	if len(body) == 0 {
		return nil, "", newSiteError(KindCaptchaFetch, "empty captcha body", nil)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/png"
	}
	return body, ct, nil
}

type validateResponse struct {
	Success bool   `json:"success"`
	Href    string `json:"href"`
}

// ValidateCaptcha submits the solved captcha together with the plate
// and vehicle type. On acceptance the site answers with the redirect
// URL of the result page.
//
// The BienKS field carries a trailing space: the site's own form
// submits it that way and the backend rejects the bare value.
func (c *Client) ValidateCaptcha(ctx context.Context, plate, vehicleType, captchaText string) (redirectURL string, err error) {
	form := url.Values{}
	form.Set("BienKS", plate+" ")
	form.Set("Xe", vehicleType)
	form.Set("captcha", captchaText)
	form.Set("ipClient", "9.9.9.91")
	form.Set("cUrl", "1")

	req, err := c.newRequest(ctx, http.MethodPost, c.baseURL+validatePath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", newSiteError(KindCaptchaInvalid, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.http.Do(req)
	if err != nil {
		if classifyTransport(err) == KindTimeout {
			return "", newSiteError(KindTimeout, "validate captcha", err)
		}
		return "", newSiteError(KindUnknown, "validate captcha", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("validate captcha", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", newSiteError(KindCaptchaInvalid, "read validation body", err)
	}

	trimmed := strings.TrimSpace(string(body))
	// The endpoint answers bare "404" text when the captcha is wrong
	// or the session expired.
	if trimmed == "" || trimmed == "404" {
		return "", newSiteError(KindCaptchaInvalid, "site rejected captcha", nil)
	}

	var vr validateResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return "", newSiteError(KindCaptchaInvalid, "unexpected validation response", err)
	}
	if !vr.Success {
		return "", newSiteError(KindCaptchaInvalid, "site rejected captcha", nil)
	}

	c.log.Debug().Str("href", vr.Href).Msg("captcha accepted")
	return vr.Href, nil
}

// FetchResult GETs the result page. redirectURL is the href returned by
// ValidateCaptcha; when empty the default lookup page is used.
func (c *Client) FetchResult(ctx context.Context, redirectURL string) (html string, err error) {
	target := redirectURL
	if target == "" {
		target = c.baseURL + resultPath
	} else if strings.HasPrefix(target, "/") {
		target = c.baseURL + target
	}

	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", newSiteError(KindUnknown, "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if classifyTransport(err) == KindTimeout {
			return "", newSiteError(KindTimeout, "fetch result", err)
		}
		return "", newSiteError(KindUnknown, "fetch result", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("fetch result", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", newSiteError(KindUnknown, "read result body", err)
	}
	return string(body), nil
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", c.baseURL+"/")
	return req, nil
}
