package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBatchTranscribe(t *testing.T) {
	var gotAuth, gotModel, gotLanguage string
	var gotFile []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotModel = r.FormValue("model")
		gotLanguage = r.FormValue("language")

		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
		} else {
			buf := make([]byte, 16)
			n, _ := file.Read(buf)
			gotFile = buf[:n]
			file.Close()
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "fix the login bug"}`))
	}))
	defer srv.Close()

	c := NewBatchClient(srv.URL, "whisper-1", "en", "secret")
	text, err := c.Transcribe(context.Background(), []byte("RIFFdata"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "fix the login bug" {
		t.Errorf("text = %q", text)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotModel != "whisper-1" || gotLanguage != "en" {
		t.Errorf("model = %q, language = %q", gotModel, gotLanguage)
	}
	if string(gotFile) != "RIFFdata" {
		t.Errorf("file = %q", gotFile)
	}
}

func TestBatchTranscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewBatchClient(srv.URL, "whisper-1", "en", "")
	if _, err := c.Transcribe(context.Background(), []byte("x")); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestBatchTestConnection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text": ""}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewBatchClient(srv.URL+"/v1/audio/transcriptions", "whisper-1", "en", "")
	result := c.TestConnection(context.Background())
	if !result.HealthOK {
		t.Errorf("health failed: %s", result.HealthError)
	}
	if !result.TranscriptionOK {
		t.Errorf("transcription failed: %s", result.TranscriptionError)
	}
}

func TestSilentWAVHeader(t *testing.T) {
	wav := silentWAV()
	if len(wav) != 44+3200 {
		t.Fatalf("length = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("bad header %q", wav[0:12])
	}
}
