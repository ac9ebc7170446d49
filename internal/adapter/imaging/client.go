// Package imaging adapts a REST imaging archive (QIDO-style search,
// hierarchical study/series/instance reads, multipart store) to the uniform
// dispatch contract.
package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/clinbridge/clinbridge/internal/dispatch"
)

// Config holds the archive connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client is a minimal archive client. All requests share one pooled transport
// and a bounded timeout; concurrent invocations borrow distinct connections
// from the pool.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient builds a client from cfg. A non-positive timeout falls back to
// 30 seconds.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// BaseURL returns the configured archive base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Close releases pooled connections.
func (c *Client) Close() { c.http.CloseIdleConnections() }

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return dispatch.WrapErr(dispatch.ErrConnection, err, "build archive request %s", path)
	}
	req.Header.Set("Accept", "application/dicom+json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dispatch.WrapErr(dispatch.ErrConnection, err, "archive request %s", path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		// Empty search result, nothing to decode.
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return dispatch.Errorf(dispatch.ErrNotFound, "archive has no resource at %s", path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return dispatch.Errorf(dispatch.ErrConnection, "archive returned status %d for %s", resp.StatusCode, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dispatch.WrapErr(dispatch.ErrConnection, err, "decode archive response for %s", path)
	}
	return nil
}

// SearchStudies runs a filtered study-level query and returns the raw
// tag-keyed results in backend order.
func (c *Client) SearchStudies(ctx context.Context, filters url.Values) ([]TagObject, error) {
	var out []TagObject
	if err := c.get(ctx, "/studies", filters, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StudySeries lists the series of one study.
func (c *Client) StudySeries(ctx context.Context, studyUID string) ([]TagObject, error) {
	var out []TagObject
	if err := c.get(ctx, "/studies/"+url.PathEscape(studyUID)+"/series", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SeriesInstances lists the instances of one series.
func (c *Client) SeriesInstances(ctx context.Context, studyUID, seriesUID string) ([]TagObject, error) {
	path := fmt.Sprintf("/studies/%s/series/%s/instances", url.PathEscape(studyUID), url.PathEscape(seriesUID))
	var out []TagObject
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// System returns the archive's informational endpoint payload as-is.
func (c *Client) System(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.get(ctx, "/system", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StoreInstances frames each payload as one part of a multipart/related
// message under a single boundary and posts the batch. The store is
// all-or-nothing: any rejected status or reported failed instance fails the
// whole batch.
func (c *Client) StoreInstances(ctx context.Context, payloads [][]byte) (TagObject, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for i, p := range payloads {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/dicom")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, dispatch.WrapErr(dispatch.ErrUpload, err, "frame payload %d", i)
		}
		if _, err := part.Write(p); err != nil {
			return nil, dispatch.WrapErr(dispatch.ErrUpload, err, "frame payload %d", i)
		}
	}
	if err := w.Close(); err != nil {
		return nil, dispatch.WrapErr(dispatch.ErrUpload, err, "finalize store batch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/studies", &body)
	if err != nil {
		return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "build store request")
	}
	req.Header.Set("Content-Type", `multipart/related; type="application/dicom"; boundary=`+w.Boundary())
	req.Header.Set("Accept", "application/dicom+json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, dispatch.WrapErr(dispatch.ErrConnection, err, "store instances")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, dispatch.Errorf(dispatch.ErrUpload, "archive rejected store batch with status %d", resp.StatusCode)
	}

	var out TagObject
	if len(raw) > 0 {
		// A malformed success body is tolerated; the study identifier is then
		// simply absent from the result.
		_ = json.Unmarshal(raw, &out)
	}
	if len(out[tagFailedSOPSequence].Value) > 0 {
		return nil, dispatch.Errorf(dispatch.ErrUpload, "archive stored only part of the batch")
	}
	return out, nil
}
