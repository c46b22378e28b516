package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gisement-io/gisement/internal/config"
	"github.com/gisement-io/gisement/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() *ir.BatchResult {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &ir.BatchResult{
		RunID:      "run-1",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Records: []ir.RecordResult{
			{SourceID: "rec1", Name: "Chaise", State: ir.StatePublished, Action: ir.ActionCreate, ItemID: "item-1", Slug: "chaise-42"},
			{SourceID: "rec2", Name: "Table", State: ir.StateError, Error: "rate limited"},
		},
		Logs: []string{"Batch finished: 1 published, 1 failed"},
	}
}

func TestLocalReports_SaveLatest(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reports", "last-run.json")
	store := NewLocalReports(path)

	_, err := store.Latest(ctx)
	require.ErrorIs(t, err, ErrNoReport)

	require.NoError(t, store.Save(ctx, sampleReport()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))

	got, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleReport(), got)
}

func TestLocalReports_Encrypted(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "report-key-for-tests")
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "last-run.json")
	store := NewLocalReports(path)

	require.NoError(t, store.Save(ctx, sampleReport()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
	assert.NotContains(t, string(raw), "Chaise")

	got, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = store.Latest(ctx)
	assert.ErrorContains(t, err, "not set")
}

// fakeS3 serves PutObject and GetObject from a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers map[string]http.Header
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(req.URL.Path, "/")
	switch req.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		f.objects[key] = body
		f.headers[key] = req.Header.Clone()
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {`"etag"`}}}, nil
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			msg := `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`
			return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(msg)), Header: http.Header{"Content-Type": {"application/xml"}}}, nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: http.Header{
			"Content-Length": {fmt.Sprintf("%d", len(body))},
		}}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

func newMockAWSConfig(t *testing.T) aws.Config {
	t.Helper()
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	return cfg
}

func TestS3Reports_SaveLatest(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	ctx := context.Background()
	rt := &fakeS3{objects: map[string][]byte{}, headers: map[string]http.Header{}}
	client := s3.NewFromConfig(newMockAWSConfig(t), func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.RetryMaxAttempts = 1
	})
	store := &S3Reports{client: client, bucket: "reports", key: "gisement/last-run.json", encrypt: true}

	_, err := store.Latest(ctx)
	require.ErrorIs(t, err, ErrNoReport)

	require.NoError(t, store.Save(ctx, sampleReport()))
	require.Contains(t, rt.objects, "reports/gisement/last-run.json")
	assert.Equal(t, "AES256", rt.headers["reports/gisement/last-run.json"].Get("X-Amz-Server-Side-Encryption"))

	got, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleReport(), got)
}

func TestOpenReports(t *testing.T) {
	ctx := context.Background()

	store, err := OpenReports(ctx, config.ReportConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = OpenReports(ctx, config.ReportConfig{Backend: "local", Path: filepath.Join(t.TempDir(), "r.json")})
	require.NoError(t, err)
	assert.IsType(t, &LocalReports{}, store)

	_, err = OpenReports(ctx, config.ReportConfig{Backend: "s3"})
	assert.ErrorContains(t, err, "REPORT_S3_BUCKET")

	_, err = OpenReports(ctx, config.ReportConfig{Backend: "gcs"})
	assert.ErrorContains(t, err, "unknown report backend")
}
