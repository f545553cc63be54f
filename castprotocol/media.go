package castprotocol

const (
	// YouTubeAppID is the YouTube receiver application.
	YouTubeAppID = "233637DE"
	// DefaultMediaReceiverAppID is the stock media receiver.
	DefaultMediaReceiverAppID = "CC1AD845"

	youtubeContentType = "x-youtube/video"
)

// MediaItem is the media object of a LOAD request.
type MediaItem struct {
	ContentId   string     `json:"contentId"`
	ContentType string     `json:"contentType"`
	StreamType  string     `json:"streamType"`
	Metadata    *MediaMeta `json:"metadata,omitempty"`
}

// MediaMeta contains metadata about the media.
type MediaMeta struct {
	MetadataType int    `json:"metadataType"`
	Title        string `json:"title,omitempty"`
}

// MediaRequest describes what to load on a launched receiver.
type MediaRequest struct {
	ItemID      string
	ContentType string
	Live        bool
	Title       string
}

// YouTubeItem is a request for a YouTube video or live broadcast id.
func YouTubeItem(itemID string, live bool) MediaRequest {
	return MediaRequest{ItemID: itemID, ContentType: youtubeContentType, Live: live}
}

func (r MediaRequest) mediaItem() MediaItem {
	streamType := "BUFFERED"
	if r.Live {
		streamType = "LIVE"
	}
	item := MediaItem{
		ContentId:   r.ItemID,
		ContentType: r.ContentType,
		StreamType:  streamType,
	}
	if r.Title != "" {
		item.Metadata = &MediaMeta{Title: r.Title}
	}
	return item
}
