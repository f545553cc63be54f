package live

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go2tv.app/autocast/internal/errs"
)

func newTestYouTube(t *testing.T, h http.HandlerFunc) *YouTube {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	y := NewYouTube("test-key", zerolog.Nop())
	y.baseURL = srv.URL
	y.client = srv.Client()
	y.limiter = rate.NewLimiter(rate.Inf, 1)
	return y
}

func TestCheckLiveConfirmsSearchHit(t *testing.T) {
	y := newTestYouTube(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/search":
			if r.URL.Query().Get("eventType") != "live" {
				t.Errorf("unexpected fallback search")
			}
			fmt.Fprint(w, `{"items":[
				{"id":{"videoId":"staleLive001"},"snippet":{"title":"old","liveBroadcastContent":"none"}},
				{"id":{"videoId":"dQw4w9WgXcQ"},"snippet":{"title":"Morning Show","channelTitle":"News","liveBroadcastContent":"live",
				 "thumbnails":{"default":{"url":"d.jpg"},"medium":{"url":"m.jpg"}}}}
			]}`)
		case "/videos":
			id := r.URL.Query().Get("id")
			state := "none"
			if id == "dQw4w9WgXcQ" {
				state = "live"
			}
			fmt.Fprintf(w, `{"items":[{"id":%q,"snippet":{"liveBroadcastContent":%q}}]}`, id, state)
		default:
			http.NotFound(w, r)
		}
	})

	b, err := y.CheckLive(context.Background(), "UCabc")
	if err != nil {
		t.Fatalf("CheckLive() error = %v", err)
	}
	if b == nil {
		t.Fatalf("CheckLive() = nil, want a broadcast")
	}
	if b.ItemID != "dQw4w9WgXcQ" || b.Title != "Morning Show" || b.Thumbnail != "m.jpg" {
		t.Fatalf("CheckLive() = %+v", b)
	}
}

func TestCheckLiveFallsBackToRecentUploads(t *testing.T) {
	var searches atomic.Int32
	y := newTestYouTube(t, func(w http.ResponseWriter, r *http.Request) {
		searches.Add(1)
		if r.URL.Query().Get("eventType") == "live" {
			fmt.Fprint(w, `{"items":[]}`)
			return
		}
		fmt.Fprint(w, `{"items":[
			{"id":{"videoId":"upload000001"},"snippet":{"title":"vod","liveBroadcastContent":"none"}},
			{"id":{"videoId":"liveNow00001"},"snippet":{"title":"Live now","liveBroadcastContent":"live"}}
		]}`)
	})

	b, err := y.CheckLive(context.Background(), "UCabc")
	if err != nil {
		t.Fatalf("CheckLive() error = %v", err)
	}
	if b == nil || b.ItemID != "liveNow00001" {
		t.Fatalf("CheckLive() = %+v, want liveNow00001", b)
	}
	if n := searches.Load(); n != 2 {
		t.Fatalf("search calls = %d, want 2", n)
	}
}

func TestCheckLiveNotLive(t *testing.T) {
	y := newTestYouTube(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[]}`)
	})

	b, err := y.CheckLive(context.Background(), "UCabc")
	if err != nil {
		t.Fatalf("CheckLive() error = %v", err)
	}
	if b != nil {
		t.Fatalf("CheckLive() = %+v, want nil", b)
	}
}

func TestCheckLiveUpstreamError(t *testing.T) {
	y := newTestYouTube(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"quotaExceeded"}}`)
	})

	_, err := y.CheckLive(context.Background(), "UCabc")
	if !errs.Is(err, errs.Upstream) {
		t.Fatalf("CheckLive() error = %v, want upstream", err)
	}
	if got := err.Error(); got == "" || !strings.Contains(got, "quotaExceeded") {
		t.Fatalf("error %q does not carry the API message", got)
	}
}

func TestCheckLiveWithoutKey(t *testing.T) {
	y := NewYouTube("", zerolog.Nop())
	if _, err := y.CheckLive(context.Background(), "UCabc"); !errs.Is(err, errs.Upstream) {
		t.Fatalf("CheckLive() error = %v, want upstream", err)
	}
}
