package assist

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutocomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathAutocomplete, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "退款", req["text"])

		_, _ = io.WriteString(w, `{"suggestions":["您好，请问可以提供订单号或购买时间吗？","可否请您上传一下商品照片或问题截图？"]}`)
	}))
	defer srv.Close()

	got, err := New(srv.URL + "/").Autocomplete(context.Background(), "退款")
	require.NoError(t, err)
	assert.Equal(t, []string{"您好，请问可以提供订单号或购买时间吗？", "可否请您上传一下商品照片或问题截图？"}, got)
}

func TestAutocomplete_MissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	got, err := New(srv.URL).Autocomplete(context.Background(), "hi")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestAutocomplete_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Autocomplete(context.Background(), "hi")
	var se *StatusError
	require.True(t, errors.As(err, &se), "expected StatusError, got %v", err)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, PathAutocomplete, se.Endpoint)
}

func TestAutocomplete_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Autocomplete(context.Background(), "hi")
	assert.Error(t, err)
}

func TestAutocomplete_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(srv.URL).Autocomplete(ctx, "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathAnalyze, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Empty(t, body)
		_, _ = io.WriteString(w, `{"analyses":[{"user":"Bob","emotion":"焦虑","inference":"想退货","suggested_reply":"请提供订单号"}]}`)
	}))
	defer srv.Close()

	got, err := New(srv.URL).Analyze(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Analysis{User: "Bob", Emotion: "焦虑", Inference: "想退货", SuggestedReply: "请提供订单号"}, got[0])
}
