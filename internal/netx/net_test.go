package netx

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDownloadPresignedURL(t *testing.T) {
	file := []byte("sealed handoff")

	t.Run("success 200 OK", func(t *testing.T) {
		var gotMethod, gotQuery string

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotQuery = r.URL.RawQuery
			_, _ = w.Write(file)
		}))
		defer ts.Close()

		got, err := DownloadPresignedURL(context.Background(), ts.Client(), ts.URL+"/handoff/x?X-Amz-Signature=abc", 1024)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotMethod != http.MethodGet {
			t.Fatalf("method = %q, want GET", gotMethod)
		}
		if gotQuery != "X-Amz-Signature=abc" {
			t.Fatalf("query = %q, want the signature kept", gotQuery)
		}
		if !bytes.Equal(got, file) {
			t.Fatalf("body = %q, want %q", string(got), string(file))
		}
	})

	t.Run("non-200 -> error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden) // expired signature
			_, _ = w.Write([]byte("AccessDenied"))
		}))
		defer ts.Close()

		_, err := DownloadPresignedURL(context.Background(), ts.Client(), ts.URL, 1024)
		if err == nil {
			t.Fatal("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "download failed: 403") || !strings.Contains(err.Error(), "AccessDenied") {
			t.Fatalf("error = %q, want status and body", err.Error())
		}
	})

	t.Run("body over limit", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(file)
		}))
		defer ts.Close()

		_, err := DownloadPresignedURL(context.Background(), ts.Client(), ts.URL, int64(len(file)-1))
		if !errors.Is(err, ErrTooLarge) {
			t.Fatalf("err = %v, want ErrTooLarge", err)
		}
	})

	t.Run("bad url", func(t *testing.T) {
		_, err := DownloadPresignedURL(context.Background(), http.DefaultClient, "://bad", 10)
		if err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})
}
