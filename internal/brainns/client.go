// Package brainns is the HTTP client for the segmentation backend.
package brainns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/brainview/internal/archive"
	"github.com/kalambet/brainview/internal/labels"
	"github.com/kalambet/brainview/internal/viewport"
)

// ErrNotFound is returned when the backend has no such segmentation.
var ErrNotFound = errors.New("segmentation not found")

const maxArchiveSize int64 = 2 << 30 // 2GB

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Client talks to the segmentation backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for baseURL. An empty token disables authentication.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	msg := readErrorMessage(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	return nil, &StatusError{Code: resp.StatusCode, Message: msg}
}

// readErrorMessage extracts {"error": "..."} or {"message": "..."} bodies.
func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}

func segmentationPath(id string, suffix ...string) string {
	p := "/segmentations/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// FetchSegmentationStatus returns the raw status string of a job.
func (c *Client) FetchSegmentationStatus(ctx context.Context, jobID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var body struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, segmentationPath(jobID), &body); err != nil {
		return "", err
	}
	if body.Status == "" {
		return "", errors.New("response carries no status")
	}
	return body.Status, nil
}

// FetchSubjectArchive downloads the image container of a segmentation along
// with the file kind from the X-File-Type header.
func (c *Client) FetchSubjectArchive(ctx context.Context, subjectID string) ([]byte, archive.FileKind, error) {
	req, err := c.newRequest(ctx, http.MethodGet, segmentationPath(subjectID, "imagedata"), nil)
	if err != nil {
		return nil, archive.KindUnknown, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, archive.KindUnknown, err
	}
	defer resp.Body.Close()

	kind, err := archive.ParseFileKind(resp.Header.Get("X-File-Type"))
	if err != nil {
		return nil, archive.KindUnknown, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveSize+1))
	if err != nil {
		return nil, archive.KindUnknown, fmt.Errorf("reading container: %w", err)
	}
	if int64(len(data)) > maxArchiveSize {
		return nil, archive.KindUnknown, fmt.Errorf("container exceeds %d bytes", maxArchiveSize)
	}
	return data, kind, nil
}

// FetchClassification returns the flattened per-voxel class array.
func (c *Client) FetchClassification(ctx context.Context, subjectID string) ([]int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, segmentationPath(subjectID, "rawsegmentation"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading classification: %w", err)
	}
	return labels.FlattenField(raw, "segmentation")
}

type rangePair [2]float64

func (p *rangePair) toRange() *viewport.Range {
	if p == nil {
		return nil
	}
	return &viewport.Range{Lower: p[0], Upper: p[1]}
}

// FetchDisplayValues returns the stored intensity bounds of every modality.
func (c *Client) FetchDisplayValues(ctx context.Context, subjectID string) (map[archive.Modality]viewport.DisplayValues, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var body map[string]struct {
		MinMax   *rangePair `json:"min_max"`
		DicomTag *rangePair `json:"dicom_tag"`
	}
	if err := c.getJSON(ctx, segmentationPath(subjectID, "displayvalues"), &body); err != nil {
		return nil, err
	}

	out := make(map[archive.Modality]viewport.DisplayValues, len(body))
	for name, v := range body {
		m, ok := archive.ParseModality(name)
		if !ok {
			continue
		}
		out[m] = viewport.DisplayValues{MinMax: v.MinMax.toRange(), DicomTag: v.DicomTag.toRange()}
	}
	return out, nil
}

// PredictRequest starts a segmentation for already uploaded sequences.
type PredictRequest struct {
	ProjectID string                      `json:"project_id"`
	Sequences map[archive.Modality]string `json:"sequences"`
}

// Predict submits a prediction and returns the new segmentation id.
func (c *Client) Predict(ctx context.Context, pr PredictRequest) (string, error) {
	body, err := json.Marshal(pr)
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/predict", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		SegmentationID string `json:"segmentation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if out.SegmentationID == "" {
		return "", errors.New("response carries no segmentation_id")
	}
	return out.SegmentationID, nil
}
