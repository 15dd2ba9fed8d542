package router

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"ats-tailor/internal/api/handler"
	"ats-tailor/internal/config"
	"ats-tailor/internal/generation"
	"ats-tailor/internal/storage"
	"ats-tailor/internal/storage/models"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingGenerator struct {
	users []string
}

func (r *recordingGenerator) Generate(ctx context.Context, req generation.Request) (*generation.Response, error) {
	r.users = append(r.users, req.UserID)
	return &generation.Response{Success: true, PDFURL: "https://docs.local/a.pdf"}, nil
}

type noJobs struct{}

func (noJobs) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return nil, storage.ErrRecordNotFound
}

func newEngine(auth config.AuthConfig, gen handler.Generator) *server.Hertz {
	h := server.New(server.WithHostPorts("127.0.0.1:0"))
	RegisterRoutes(h, auth, handler.NewGenerationHandler(gen, noJobs{}))
	return h
}

func generate(h *server.Hertz, headers ...ut.Header) *ut.ResponseRecorder {
	b := bytes.NewBufferString(`{"jobId":"job-1","templateName":"A"}`)
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	return ut.PerformRequest(h.Engine, http.MethodPost, "/api/v1/resume/generate",
		&ut.Body{Body: b, Len: b.Len()}, headers...)
}

func TestAPIKeyAuth(t *testing.T) {
	gen := &recordingGenerator{}
	h := newEngine(config.AuthConfig{
		Enabled: true,
		Header:  "X-API-Key",
		APIKeys: map[string]string{"secret-1": "user-1"},
	}, gen)

	resp := generate(h).Result()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())

	resp = generate(h, ut.Header{Key: "X-API-Key", Value: "wrong"}).Result()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode())
	assert.Empty(t, gen.users)

	resp = generate(h, ut.Header{Key: "X-API-Key", Value: "secret-1"}).Result()
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, []string{"user-1"}, gen.users)

	// 健康检查不需要认证
	resp = ut.PerformRequest(h.Engine, http.MethodGet, "/health", nil).Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode())
}

func TestAuthDisabled(t *testing.T) {
	gen := &recordingGenerator{}
	h := newEngine(config.AuthConfig{}, gen)

	resp := generate(h).Result()
	require.Equal(t, http.StatusOK, resp.StatusCode())
	assert.Equal(t, []string{""}, gen.users)
}

func TestRequestID(t *testing.T) {
	h := newEngine(config.AuthConfig{}, &recordingGenerator{})

	resp := ut.PerformRequest(h.Engine, http.MethodGet, "/health", nil,
		ut.Header{Key: HeaderRequestID, Value: "req-123"}).Result()
	assert.Equal(t, "req-123", string(resp.Header.Peek(HeaderRequestID)))

	resp = ut.PerformRequest(h.Engine, http.MethodGet, "/health", nil).Result()
	assert.Len(t, string(resp.Header.Peek(HeaderRequestID)), 36)
}
