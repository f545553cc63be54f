package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseDay(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "6", want: 6},
		{in: "wed", want: 3},
		{in: "Wednesday", want: 3},
		{in: " SUN ", want: 0},
		{in: "sat", want: 6},
		{in: "7", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "we", wantErr: true},
		{in: "someday", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseDay(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("parseDay(%q) = %d, want error", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("parseDay(%q) = %d, %v, want %d", tt.in, got, err, tt.want)
		}
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("42"); err != nil || id != 42 {
		t.Fatalf("parseID(42) = %d, %v", id, err)
	}
	for _, bad := range []string{"0", "-3", "abc", ""} {
		if _, err := parseID(bad); err == nil {
			t.Fatalf("parseID(%q) succeeded", bad)
		}
	}
}

func TestMetricsMux(t *testing.T) {
	srv := httptest.NewServer(metricsMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "autocast_cast_active") {
		t.Fatalf("/metrics status %d, body missing autocast metrics", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status %d", resp.StatusCode)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "scan", "cast", "next", "schedule", "test-device", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %q not registered", name)
		}
	}
}
