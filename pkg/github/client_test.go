package github

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   []byte
}

func newServer(t *testing.T, status int, respBody string, got *[]recorded) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		*got = append(*got, recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: b})
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRepositoryDispatch(t *testing.T) {
	var got []recorded
	srv := newServer(t, http.StatusNoContent, "", &got)
	c, err := New(srv.URL, "tok")
	require.NoError(t, err)

	err = c.RepositoryDispatch(context.Background(), "acme/gitops", "deploy-images", map[string]any{"services": "svc-a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, http.MethodPost, got[0].method)
	require.Equal(t, "/repos/acme/gitops/dispatches", got[0].path)
	require.Equal(t, "Bearer tok", got[0].auth)
	require.JSONEq(t, `{"event_type":"deploy-images","client_payload":{"services":"svc-a"}}`, string(got[0].body))
}

func TestRepositoryDispatch_APIError(t *testing.T) {
	var got []recorded
	srv := newServer(t, http.StatusUnprocessableEntity, `{"message":"payload too large"}`, &got)
	c, err := New(srv.URL, "tok")
	require.NoError(t, err)

	err = c.RepositoryDispatch(context.Background(), "acme/gitops", "deploy-images", map[string]any{})
	var apiErr APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	require.Equal(t, "payload too large", apiErr.Message)
}

func TestRepositoryDispatch_BadRepository(t *testing.T) {
	c, err := New("http://unused", "")
	require.NoError(t, err)
	require.Error(t, c.RepositoryDispatch(context.Background(), "no-owner", "e", nil))
}

func TestUploadSARIF(t *testing.T) {
	var got []recorded
	srv := newServer(t, http.StatusAccepted, `{"id":"47177e22","url":"https://x"}`, &got)
	c, err := New(srv.URL, "tok")
	require.NoError(t, err)

	doc := []byte(`{"version":"2.1.0","runs":[{"tool":{"driver":{"name":"Trivy"}},"results":[]}]}`)
	receipt, err := c.UploadSARIF(context.Background(), "acme/mono", SARIFUpload{
		CommitSHA: "abc", Ref: "refs/heads/main", SARIF: doc, Category: "scan-svc-a",
	})
	require.NoError(t, err)
	require.Equal(t, "47177e22", receipt.ID)
	require.Equal(t, "/repos/acme/mono/code-scanning/sarifs", got[0].path)

	var req sarifRequest
	require.NoError(t, json.Unmarshal(got[0].body, &req))
	require.Equal(t, "abc", req.CommitSHA)

	raw, err := base64.StdEncoding.DecodeString(req.SARIF)
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Contains(t, string(plain), `"automationDetails":{"id":"scan-svc-a/"}`)
}

func TestWithCategory_KeepsExistingID(t *testing.T) {
	out, err := WithCategory([]byte(`{"runs":[{"automationDetails":{"id":"custom/"}}]}`), "scan-svc-a")
	require.NoError(t, err)
	require.JSONEq(t, `{"runs":[{"automationDetails":{"id":"custom/"}}]}`, string(out))
}
