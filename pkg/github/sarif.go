package github

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
)

type SARIFUpload struct {
	CommitSHA string
	Ref       string
	SARIF     []byte
	// Category distinguishes uploads for the same commit, one per service.
	Category string
}

type sarifRequest struct {
	CommitSHA string `json:"commit_sha"`
	Ref       string `json:"ref"`
	SARIF     string `json:"sarif"`
}

type SARIFReceipt struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// UploadSARIF sends a findings document to code scanning.
func (c *Client) UploadSARIF(ctx context.Context, repository string, up SARIFUpload) (SARIFReceipt, error) {
	p, err := repoPath(repository)
	if err != nil {
		return SARIFReceipt{}, err
	}
	doc := up.SARIF
	if up.Category != "" {
		doc, err = WithCategory(doc, up.Category)
		if err != nil {
			return SARIFReceipt{}, err
		}
	}
	enc, err := compressSARIF(doc)
	if err != nil {
		return SARIFReceipt{}, err
	}
	var receipt SARIFReceipt
	err = c.do(ctx, http.MethodPost, p+"/code-scanning/sarifs", sarifRequest{
		CommitSHA: up.CommitSHA,
		Ref:       up.Ref,
		SARIF:     enc,
	}, &receipt)
	return receipt, err
}

func compressSARIF(doc []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(doc); err != nil {
		return "", errors.Wrap(err, "gzip sarif")
	}
	if err := zw.Close(); err != nil {
		return "", errors.Wrap(err, "gzip sarif")
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// WithCategory sets runs[].automationDetails.id on every run that has none,
// which is how code scanning separates analyses of the same commit.
func WithCategory(doc []byte, category string) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, errors.Wrap(err, "parse sarif")
	}
	runs, _ := m["runs"].([]any)
	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		details, _ := run["automationDetails"].(map[string]any)
		if details == nil {
			details = map[string]any{}
		}
		if id, _ := details["id"].(string); id == "" {
			details["id"] = category + "/"
		}
		run["automationDetails"] = details
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode sarif")
	}
	return out, nil
}
