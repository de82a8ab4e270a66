package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"dmailbox/models"
	"dmailbox/utils"
)

// HTTPVault talks to a vault service over its JSON API using fasthttp.
type HTTPVault struct {
	baseURL string
	apiKey  string
	client  *fasthttp.Client
	timeout time.Duration
}

func NewHTTPVault(baseURL, apiKey string, timeout time.Duration) *HTTPVault {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPVault{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &fasthttp.Client{},
		timeout: timeout,
	}
}

func (v *HTTPVault) do(method, path string, body interface{}, out interface{}) (int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(v.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if v.apiKey != "" {
		req.Header.Set("X-API-Key", v.apiKey)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		req.SetBody(b)
	}

	if err := v.client.DoTimeout(req, resp, v.timeout); err != nil {
		return 0, fmt.Errorf("vault request failed: %w", err)
	}

	status := resp.StatusCode()
	if status >= 200 && status < 300 && out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return status, fmt.Errorf("vault response decode failed: %w", err)
		}
	}
	return status, nil
}

func (v *HTTPVault) Resolve(ctx context.Context, id string, opts *ResolveOptions) (*Document, error) {
	path := "/v1/assets/" + id
	if opts != nil && opts.AtVersion > 0 {
		path = fmt.Sprintf("%s?version=%d", path, opts.AtVersion)
	}
	var doc Document
	status, err := v.do(fasthttp.MethodGet, path, nil, &doc)
	if err != nil {
		return nil, err
	}
	if status == fasthttp.StatusNotFound {
		return nil, utils.NewNotFoundError("asset", id)
	}
	if status >= 300 {
		return nil, fmt.Errorf("vault resolve returned status %d", status)
	}
	return &doc, nil
}

func (v *HTTPVault) Decrypt(ctx context.Context, asDID, id string) ([]byte, error) {
	var out struct {
		Plaintext string `json:"plaintext"`
	}
	status, err := v.do(fasthttp.MethodPost, "/v1/assets/"+id+"/decrypt",
		map[string]string{"as": asDID}, &out)
	if err != nil {
		return nil, err
	}
	switch {
	case status == fasthttp.StatusNotFound:
		return nil, utils.NewNotFoundError("asset", id)
	case status == fasthttp.StatusForbidden:
		return nil, &utils.DecryptionError{AssetID: id, Err: fmt.Errorf("not addressed to %s", asDID)}
	case status >= 300:
		return nil, fmt.Errorf("vault decrypt returned status %d", status)
	}
	plaintext, err := base64.StdEncoding.DecodeString(out.Plaintext)
	if err != nil {
		return nil, &utils.DecryptionError{AssetID: id, Err: err}
	}
	return plaintext, nil
}

func (v *HTTPVault) CreateAsset(ctx context.Context, asDID string, payload []byte, registry string, readers []string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]interface{}{
		"as":       asDID,
		"payload":  base64.StdEncoding.EncodeToString(payload),
		"registry": registry,
		"readers":  readers,
	}
	status, err := v.do(fasthttp.MethodPost, "/v1/assets", body, &out)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("vault create returned status %d", status)
	}
	return out.ID, nil
}

func (v *HTTPVault) UpdateAsset(ctx context.Context, asDID, id string, payload []byte) (bool, error) {
	var out struct {
		Updated bool `json:"updated"`
	}
	body := map[string]interface{}{
		"as":      asDID,
		"payload": base64.StdEncoding.EncodeToString(payload),
	}
	status, err := v.do(fasthttp.MethodPut, "/v1/assets/"+id, body, &out)
	if err != nil {
		return false, err
	}
	if status == fasthttp.StatusNotFound {
		return false, utils.NewNotFoundError("asset", id)
	}
	if status >= 300 {
		return false, fmt.Errorf("vault update returned status %d", status)
	}
	return out.Updated, nil
}

func (v *HTTPVault) ListOutstandingNotices(ctx context.Context, forDID string) ([]models.Notice, error) {
	var out []models.Notice
	status, err := v.do(fasthttp.MethodGet, "/v1/notices?for="+forDID, nil, &out)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("vault notice list returned status %d", status)
	}
	return out, nil
}

func (v *HTTPVault) SendNotice(ctx context.Context, fromDID string, to []string, assetIDs []string, validUntil time.Time) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]interface{}{
		"from":       fromDID,
		"to":         to,
		"assetIds":   assetIDs,
		"validUntil": validUntil,
	}
	status, err := v.do(fasthttp.MethodPost, "/v1/notices", body, &out)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("vault notice dispatch returned status %d", status)
	}
	return out.ID, nil
}

func (v *HTTPVault) ListBoundNames(ctx context.Context, forDID string) (map[string]string, error) {
	out := make(map[string]string)
	status, err := v.do(fasthttp.MethodGet, "/v1/names?for="+forDID, nil, &out)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("vault name list returned status %d", status)
	}
	return out, nil
}

func (v *HTTPVault) BindName(ctx context.Context, forDID, name, id string) error {
	body := map[string]string{"for": forDID, "name": name, "id": id}
	status, err := v.do(fasthttp.MethodPut, "/v1/names", body, nil)
	if err != nil {
		return err
	}
	if status == fasthttp.StatusConflict {
		return utils.NewValidationError("name %q is already bound", name)
	}
	if status >= 300 {
		return fmt.Errorf("vault name bind returned status %d", status)
	}
	return nil
}
