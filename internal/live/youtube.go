package live

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go2tv.app/autocast/internal/errs"
)

const (
	youtubeBaseURL = "https://www.googleapis.com/youtube/v3"

	apiHTTPClientTimeout         = 20 * time.Second
	apiHTTPDialTimeout           = 5 * time.Second
	apiHTTPKeepAlive             = 30 * time.Second
	apiHTTPTLSHandshakeTimeout   = 5 * time.Second
	apiHTTPResponseHeaderTimeout = 10 * time.Second
	apiHTTPIdleConnTimeout       = 90 * time.Second

	apiRetryMax = 2
)

var apiHTTPTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   apiHTTPDialTimeout,
		KeepAlive: apiHTTPKeepAlive,
	}).DialContext,
	TLSHandshakeTimeout:   apiHTTPTLSHandshakeTimeout,
	ResponseHeaderTimeout: apiHTTPResponseHeaderTimeout,
	IdleConnTimeout:       apiHTTPIdleConnTimeout,
}

func newRetryableHTTPClient(retryMax int) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 3 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{
		Timeout:   apiHTTPClientTimeout,
		Transport: apiHTTPTransport,
	}
	return retryClient.StandardClient()
}

// YouTube is a Prober backed by the YouTube Data API v3.
type YouTube struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewYouTube creates a prober. Requests are throttled to one per second with
// a small burst to stay inside the API quota.
func NewYouTube(apiKey string, logger zerolog.Logger) *YouTube {
	return &YouTube{
		apiKey:  apiKey,
		baseURL: youtubeBaseURL,
		client:  newRetryableHTTPClient(apiRetryMax),
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		logger:  logger.With().Str("component", "youtube").Logger(),
	}
}

type thumbnail struct {
	URL string `json:"url"`
}

type snippet struct {
	Title                string               `json:"title"`
	ChannelID            string               `json:"channelId"`
	ChannelTitle         string               `json:"channelTitle"`
	PublishedAt          time.Time            `json:"publishedAt"`
	LiveBroadcastContent string               `json:"liveBroadcastContent"`
	Thumbnails           map[string]thumbnail `json:"thumbnails"`
}

func (s snippet) thumbnail() string {
	if t, ok := s.Thumbnails["medium"]; ok {
		return t.URL
	}
	return s.Thumbnails["default"].URL
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet snippet `json:"snippet"`
	} `json:"items"`
}

type videosResponse struct {
	Items []struct {
		ID                   string  `json:"id"`
		Snippet              snippet `json:"snippet"`
		LiveStreamingDetails *struct {
			ActualStartTime    *time.Time `json:"actualStartTime"`
			ScheduledStartTime *time.Time `json:"scheduledStartTime"`
		} `json:"liveStreamingDetails"`
	} `json:"items"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CheckLive searches the channel's live event listing and confirms each hit
// against the video resource. When the search index lags it falls back to
// scanning the channel's most recent uploads.
func (y *YouTube) CheckLive(ctx context.Context, channelID string) (*Broadcast, error) {
	if y.apiKey == "" {
		return nil, errs.New(errs.Upstream, "youtube.check_live", "api key is not configured")
	}

	var live searchResponse
	err := y.get(ctx, "search", url.Values{
		"channelId":  {channelID},
		"eventType":  {"live"},
		"type":       {"video"},
		"part":       {"snippet"},
		"maxResults": {"10"},
		"order":      {"date"},
	}, &live)
	if err != nil {
		return nil, err
	}

	for _, item := range live.Items {
		videoID := item.ID.VideoID
		if videoID == "" {
			continue
		}
		isLive, err := y.confirmLive(ctx, videoID)
		if err != nil {
			return nil, err
		}
		if isLive {
			y.logger.Debug().Str("channel", channelID).Str("video", videoID).Msg("live broadcast confirmed")
			return broadcastFrom(videoID, item.Snippet), nil
		}
	}

	var recent searchResponse
	err = y.get(ctx, "search", url.Values{
		"channelId":  {channelID},
		"type":       {"video"},
		"part":       {"snippet"},
		"maxResults": {"20"},
		"order":      {"date"},
	}, &recent)
	if err != nil {
		return nil, err
	}
	for _, item := range recent.Items {
		if item.Snippet.LiveBroadcastContent == "live" && item.ID.VideoID != "" {
			return broadcastFrom(item.ID.VideoID, item.Snippet), nil
		}
	}

	return nil, nil
}

// Upcoming lists the channel's scheduled broadcasts.
func (y *YouTube) Upcoming(ctx context.Context, channelID string) ([]Broadcast, error) {
	var res searchResponse
	err := y.get(ctx, "search", url.Values{
		"channelId":  {channelID},
		"eventType":  {"upcoming"},
		"type":       {"video"},
		"part":       {"snippet"},
		"maxResults": {"10"},
		"order":      {"date"},
	}, &res)
	if err != nil {
		return nil, err
	}

	out := make([]Broadcast, 0, len(res.Items))
	for _, item := range res.Items {
		b := broadcastFrom(item.ID.VideoID, item.Snippet)
		b.ScheduledAt = item.Snippet.PublishedAt
		out = append(out, *b)
	}
	return out, nil
}

// Ping issues the cheapest request that proves the key works.
func (y *YouTube) Ping(ctx context.Context) error {
	var res searchResponse
	return y.get(ctx, "search", url.Values{
		"q":          {"test"},
		"type":       {"video"},
		"part":       {"snippet"},
		"maxResults": {"1"},
	}, &res)
}

func (y *YouTube) confirmLive(ctx context.Context, videoID string) (bool, error) {
	var res videosResponse
	err := y.get(ctx, "videos", url.Values{
		"id":         {videoID},
		"part":       {"snippet,liveStreamingDetails"},
		"maxResults": {"1"},
	}, &res)
	if err != nil {
		return false, err
	}
	if len(res.Items) == 0 {
		return false, nil
	}
	return res.Items[0].Snippet.LiveBroadcastContent == "live", nil
}

func broadcastFrom(videoID string, s snippet) *Broadcast {
	return &Broadcast{
		ItemID:       videoID,
		Title:        s.Title,
		ChannelTitle: s.ChannelTitle,
		Thumbnail:    s.thumbnail(),
		PublishedAt:  s.PublishedAt,
	}
}

func (y *YouTube) get(ctx context.Context, resource string, q url.Values, out any) error {
	op := "youtube." + resource

	if err := y.limiter.Wait(ctx); err != nil {
		return errs.E(errs.Upstream, op, err)
	}

	q.Set("key", y.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.baseURL+"/"+resource+"?"+q.Encode(), nil)
	if err != nil {
		return errs.E(errs.Upstream, op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		return errs.E(errs.Upstream, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errs.E(errs.Upstream, op, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return errs.E(errs.Upstream, op, fmt.Errorf("status %s: %s", strconv.Itoa(resp.StatusCode), msg))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errs.E(errs.Upstream, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
