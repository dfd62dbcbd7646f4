package ipfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("blob-bytes"))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	body, err := c.Fetch(context.Background(), "QmTest")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "blob-bytes" {
		t.Fatalf("got %q", body)
	}
}

func TestFetchNonTimeoutErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithMaxRetries(5))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = c.Fetch(context.Background(), "QmTest")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 call for a non-timeout failure, got %d", calls)
	}
}
