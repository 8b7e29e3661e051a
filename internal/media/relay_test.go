package media

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUploadMediaSelectsResourceType(t *testing.T) {
	var gotPath, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://cdn.example.com/v/abc.mp4"}`))
	}))
	defer server.Close()

	relay := NewRelay(RelayConfig{UploadURL: server.URL})
	url, err := relay.UploadMedia(context.Background(), []byte("mp4-bytes"), "video/mp4")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if url != "https://cdn.example.com/v/abc.mp4" {
		t.Fatalf("unexpected url %q", url)
	}
	if gotPath != "/video/upload" {
		t.Fatalf("expected /video/upload, got %q", gotPath)
	}
	if gotContentType != "video/mp4" {
		t.Fatalf("expected video/mp4 header, got %q", gotContentType)
	}
}

func TestUploadMediaAudioRidesVideoResource(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"url":"https://cdn.example.com/v/a.mp3"}`))
	}))
	defer server.Close()

	relay := NewRelay(RelayConfig{UploadURL: server.URL})
	if _, err := relay.UploadMedia(context.Background(), []byte("mp3"), "audio/mpeg"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if gotPath != "/video/upload" {
		t.Fatalf("expected audio upload on /video/upload, got %q", gotPath)
	}
}

func TestUploadMediaPropagatesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	relay := NewRelay(RelayConfig{UploadURL: server.URL})
	if _, err := relay.UploadMedia(context.Background(), []byte("img"), "image/png"); err == nil {
		t.Fatalf("expected error for failed upload")
	}
}

func TestSourceImageToInline(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(raw)
	}))
	defer server.Close()

	relay := NewRelay(RelayConfig{UploadURL: "http://unused"})
	inline, err := relay.SourceImageToInline(context.Background(), server.URL+"/source.png")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(inline)
	if err != nil {
		t.Fatalf("inline payload is not base64: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Fatalf("inline payload does not round-trip")
	}
}

func TestSourceImageToInlineFailsFast(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "gone")
	}))
	defer server.Close()

	relay := NewRelay(RelayConfig{UploadURL: "http://unused"})
	if _, err := relay.SourceImageToInline(context.Background(), server.URL+"/missing.png"); err == nil {
		t.Fatalf("expected error for missing source image")
	}
}
