package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLogBuffer_JoinsPartialLines(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("first li"))
	_, _ = b.Write([]byte("ne\nsecond\r\n\nthi"))

	lines, dropped := b.Snapshot(10)
	if dropped != 0 {
		t.Fatalf("dropped=%d want 0", dropped)
	}
	if len(lines) != 2 || lines[0] != "first line" || lines[1] != "second" {
		t.Fatalf("lines=%q", lines)
	}

	_, _ = b.Write([]byte("rd\n"))
	lines, _ = b.Snapshot(1)
	if len(lines) != 1 || lines[0] != "third" {
		t.Fatalf("tail=%q want [third]", lines)
	}
}

func TestLogBuffer_DropsOldest(t *testing.T) {
	b := NewLogBuffer(2)
	_, _ = b.Write([]byte("a\nb\nc\n"))
	lines, dropped := b.Snapshot(10)
	if dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}
	if strings.Join(lines, ",") != "b,c" {
		t.Fatalf("lines=%q want [b c]", lines)
	}
}

func TestLogBuffer_TextFormat(t *testing.T) {
	b := NewLogBuffer(1)
	_, _ = b.Write([]byte("a\nb\n"))

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs?format=text", nil))
	body, _ := io.ReadAll(rec.Body)
	if string(body) != "... 1 earlier lines dropped\nb\n" {
		t.Fatalf("body=%q", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q", ct)
	}
}

func TestLogBuffer_TailParam(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("a\nb\nc\nd\n"))

	cases := []struct {
		query string
		code  int
		lines string
	}{
		{query: "", code: http.StatusOK, lines: "b,c,d"},
		{query: "?tail=2", code: http.StatusOK, lines: "c,d"},
		{query: "?tail=99", code: http.StatusOK, lines: "b,c,d"},
		{query: "?tail=0", code: http.StatusBadRequest},
		{query: "?tail=x", code: http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		b.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs"+tc.query, nil))
		if rec.Code != tc.code {
			t.Fatalf("%q: code=%d want %d", tc.query, rec.Code, tc.code)
		}
		if tc.code != http.StatusOK {
			continue
		}
		var got LogsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("%q: decode: %v", tc.query, err)
		}
		if strings.Join(got.Lines, ",") != tc.lines || got.Buffered != 3 || got.Dropped != 1 {
			t.Fatalf("%q: got %+v want lines %s", tc.query, got, tc.lines)
		}
	}
}
