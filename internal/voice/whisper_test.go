package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "note.oga")
	if err := os.WriteFile(path, []byte("fake-ogg-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribe(t *testing.T) {
	var gotAuth, gotModel, gotFileName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		if f, header, err := r.FormFile("file"); err == nil {
			gotFileName = header.Filename
			f.Close()
		} else {
			t.Errorf("file field: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"  deploy the new build  "}`)) //nolint:errcheck
	}))
	defer srv.Close()

	w := NewWhisper("sk-test", srv.URL, "")
	text, err := w.Transcribe(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	if text != "deploy the new build" {
		t.Errorf("text = %q, want trimmed transcript", text)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotModel != "whisper-1" {
		t.Errorf("model = %q, want default", gotModel)
	}
	if gotFileName != "note.oga" {
		t.Errorf("filename = %q", gotFileName)
	}
}

func TestTranscribeUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := NewWhisper("bad", srv.URL, "")
	_, err := w.Transcribe(context.Background(), writeAudio(t))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want upstream status", err)
	}
}

func TestTranscribeMissingFile(t *testing.T) {
	w := NewWhisper("sk", "http://unused.invalid", "")
	if _, err := w.Transcribe(context.Background(), "/nonexistent.oga"); err == nil {
		t.Error("expected error for missing audio file")
	}
}

func TestNewWhisperDefaults(t *testing.T) {
	w := NewWhisper("sk", "", "")
	if w.baseURL != "https://api.openai.com/v1" {
		t.Errorf("baseURL = %q", w.baseURL)
	}
	if w.model != "whisper-1" {
		t.Errorf("model = %q", w.model)
	}
	if NewWhisper("sk", "https://proxy/v1/", "gpt-4o-transcribe").baseURL != "https://proxy/v1" {
		t.Error("trailing slash not trimmed")
	}
}
