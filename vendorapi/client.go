// Package vendorapi is the boundary to the third-party object API. The
// pipeline only ever sees the Client interface and the classified error
// kinds; the HTTP implementation lives here so tests can substitute fakes.
package vendorapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/objstash/objstash/job"
)

// Client is the vendor API as the pipeline consumes it.
type Client interface {
	// GetObjectByID fetches the authoritative metadata snapshot for id.
	GetObjectByID(ctx context.Context, id string) (job.Object, error)

	// SearchObjects runs a free-text search.
	SearchObjects(ctx context.Context, query string) ([]job.Object, error)

	// Token returns a usable bearer token for file endpoints, or an
	// *AuthError when the token is missing or expired.
	Token() (string, error)
}

// Based on http.DefaultTransport, with tighter dial timeouts the way the
// download path wants them.
var transport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   4 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

// HTTPClient talks to the real vendor API.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client

	token string
}

// NewHTTPClient returns a client for the API at baseURL authenticating
// with the given bearer token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{Transport: transport, Timeout: 15 * time.Second},
		token:   token,
	}
}

// Wire shapes of the vendor's JSON responses.
type objectDTO struct {
	ID          json.Number `json:"id"`
	Name        string      `json:"name"`
	Designer    designerDTO `json:"designer"`
	Description string      `json:"description"`
	Images      []imageDTO  `json:"images"`
	Files       []fileDTO   `json:"files"`
}

type designerDTO struct {
	Name string `json:"name"`
}

type imageDTO struct {
	Name  string         `json:"name"`
	URL   string         `json:"url"`
	Sizes []imageSizeDTO `json:"sizes"`
}

type imageSizeDTO struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type fileDTO struct {
	Name      string      `json:"name"`
	Size      json.Number `json:"size"`
	DirectURL string      `json:"direct_url"`
}

func (d objectDTO) toObject() job.Object {
	o := job.Object{
		ID:          d.ID.String(),
		Name:        d.Name,
		Designer:    d.Designer.Name,
		Description: d.Description,
	}
	for _, img := range d.Images {
		out := job.Image{Name: img.Name, URL: img.URL}
		for _, s := range img.Sizes {
			out.Sizes = append(out.Sizes, job.ImageSize{Kind: s.Type, URL: s.URL})
		}
		o.Images = append(o.Images, out)
	}
	for _, f := range d.Files {
		size, _ := f.Size.Int64()
		o.Files = append(o.Files, job.ObjectFile{Name: f.Name, DirectURL: f.DirectURL, Size: size})
	}
	return o
}

// GetObjectByID fetches /objects/<id>.
func (c *HTTPClient) GetObjectByID(ctx context.Context, id string) (job.Object, error) {
	var dto objectDTO
	if err := c.getJSON(ctx, "/objects/"+url.PathEscape(id), &dto); err != nil {
		return job.Object{}, err
	}
	obj := dto.toObject()
	if obj.ID == "" {
		obj.ID = id
	}
	return obj, nil
}

// SearchObjects fetches /search?q=<query>.
func (c *HTTPClient) SearchObjects(ctx context.Context, query string) ([]job.Object, error) {
	var dto struct {
		Items []objectDTO `json:"items"`
	}
	if err := c.getJSON(ctx, "/search?q="+url.QueryEscape(query), &dto); err != nil {
		return nil, err
	}
	objects := make([]job.Object, 0, len(dto.Items))
	for _, item := range dto.Items {
		objects = append(objects, item.toObject())
	}
	return objects, nil
}

// Token returns the configured bearer token after checking it has not
// expired. Opaque (non-JWT) tokens are assumed non-expiring; the vendor's
// 401s catch the rest.
func (c *HTTPClient) Token() (string, error) {
	if c.token == "" {
		return "", &AuthError{Reason: "no token configured"}
	}
	if expired(c.token, time.Now()) {
		return "", &AuthError{Reason: "token expired, reauthenticate"}
	}
	return c.token, nil
}

// expired reports whether token is a JWT whose exp claim lies before now.
func expired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(now)
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, v interface{}) error {
	reqURL := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build vendor request for %s: %w", reqURL, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("vendor request for %s: %w", reqURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{Reason: "received 401 from " + reqURL}
	case resp.StatusCode >= http.StatusBadRequest:
		return &StatusError{Code: resp.StatusCode, URL: reqURL}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode vendor response from %s: %w", reqURL, err)
	}
	return nil
}
