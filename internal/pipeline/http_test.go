package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestQdrantSearchSendsFilter(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/knowledge_base/points/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"result":[{"id":1,"score":0.9,"payload":{"text":"Take ibuprofen."}},{"id":2,"score":0.8,"payload":{"text":""}}]}`))
	}))
	defer srv.Close()

	rag := NewRAGClient(RAGConfig{
		Embedder: embedFunc(func(context.Context, string) ([]float64, error) { return []float64{0.1, 0.2}, nil }),
		Qdrant:   NewQdrantClient(srv.URL, 1),
		TopK:     3,
	})
	text, err := rag.ConsultationContext(context.Background(), "42", "knee")
	if err != nil {
		t.Fatal(err)
	}
	if text != "Take ibuprofen." {
		t.Fatalf("context = %q", text)
	}
	filter, _ := got["filter"].(map[string]any)
	must, _ := filter["must"].([]any)
	if len(must) != 1 {
		t.Fatalf("filter not sent: %v", got)
	}
	cond := must[0].(map[string]any)
	if cond["key"] != "consultation_id" || cond["match"].(map[string]any)["value"] != "42" {
		t.Fatalf("unexpected condition %v", cond)
	}
}

func TestEnsureCollectionToleratesConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()
	if err := NewQdrantClient(srv.URL, 1).EnsureCollection(context.Background(), "x", 4); err != nil {
		t.Fatalf("409 should be treated as existing: %v", err)
	}
}

func TestDoJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := doJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL, map[string]string{"a": "b"}, nil)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadGateway || !strings.Contains(se.Body, "nope") {
		t.Fatalf("err = %v", err)
	}
}

func TestElevenLabsRequestsTelephonyFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("output_format") != "ulaw_8000" {
			t.Errorf("output_format = %q", r.URL.Query().Get("output_format"))
		}
		if r.Header.Get("xi-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte{0x7f, 0x7f})
	}))
	defer srv.Close()

	s := NewElevenLabsSynthesizer("key", "voice", "model", srv.Client()).(*elevenlabsSynthesizer)
	s.baseURL = srv.URL
	out, err := s.SynthesizeAudio(context.Background(), "hi", TTSOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Format != FormatUlaw8k || len(out.Data) != 2 {
		t.Fatalf("unexpected audio %+v", out)
	}
}

func TestWhisperTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.FormValue("prompt") != "clinic" {
			t.Errorf("prompt = %q", r.FormValue("prompt"))
		}
		w.Write([]byte(`{"text":"  I'm fine  "}`))
	}))
	defer srv.Close()

	res, err := NewWhisperClient(srv.URL, "clinic", 1).Transcribe(context.Background(), make([]float32, 1600))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "I'm fine" {
		t.Fatalf("text = %q", res.Text)
	}
}

type embedFunc func(context.Context, string) ([]float64, error)

func (f embedFunc) Embed(ctx context.Context, text string) ([]float64, error) { return f(ctx, text) }
