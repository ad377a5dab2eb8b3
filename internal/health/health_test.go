package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPCheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	if err := HTTPCheck(ok.Client(), ok.URL)(context.Background()); err != nil {
		t.Fatalf("healthy backend: %v", err)
	}
	if err := HTTPCheck(bad.Client(), bad.URL)(context.Background()); err == nil {
		t.Fatal("expected error for 502")
	}
}

func TestCheckerReadiness(t *testing.T) {
	pass := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("down") }

	cases := []struct {
		name   string
		probes []Probe
		code   int
	}{
		{"all healthy", []Probe{{Name: "db", Required: true, Check: pass}}, http.StatusOK},
		{"optional down", []Probe{{Name: "db", Required: true, Check: pass}, {Name: "qdrant", Check: fail}}, http.StatusOK},
		{"required down", []Probe{{Name: "whisper", Required: true, Check: fail}}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			NewChecker(0, tc.probes...).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
			if rr.Code != tc.code {
				t.Fatalf("status = %d, want %d", rr.Code, tc.code)
			}
			var body struct {
				Ready    bool     `json:"ready"`
				Services []Result `json:"services"`
			}
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if len(body.Services) != len(tc.probes) {
				t.Fatalf("services = %+v", body.Services)
			}
		})
	}
}
