package httpkit

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestClientSetsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient()
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()

	if !strings.HasPrefix(got, "quilld/") {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestClientKeepsExplicitUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient()
	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "custom/1.0")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	if got != "custom/1.0" {
		t.Errorf("User-Agent = %q, explicit header overridden", got)
	}
}

func TestWithTimeout(t *testing.T) {
	c := NewClient(WithTimeout(5 * time.Second))
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", c.Timeout)
	}

	c = NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0 (context-driven)", c.Timeout)
	}
}

func TestReadErrorBody(t *testing.T) {
	got := ReadErrorBody(strings.NewReader("  error detail  \n"), 1024)
	if got != "error detail" {
		t.Errorf("ReadErrorBody = %q", got)
	}

	long := strings.Repeat("x", 100)
	if got := ReadErrorBody(strings.NewReader(long), 10); len(got) != 10 {
		t.Errorf("limit not applied: %d bytes", len(got))
	}
}
