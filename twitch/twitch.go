// Package twitch is the upstream catalog client: it lists recent VODs
// for a channel and fetches per-VOD muted-segment hints.
package twitch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sandeep1995/doublelift/faults"
	"github.com/sandeep1995/doublelift/vods"
)

var log *logrus.Logger

func Init(logger *logrus.Logger) error {
	log = logger.WithFields(logrus.Fields{
		"component": "twitch",
	}).Logger
	return nil
}

// Options configures the catalog client.
type Options struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	APIURL       string
	HTTPClient   *http.Client
}

type Client struct {
	clientID     string
	clientSecret string
	authURL      string
	apiURL       string
	httpClient   *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func New(opts Options) (*Client, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, &faults.ConfigurationError{Missing: "TWITCH_CLIENT_ID / TWITCH_CLIENT_SECRET"}
	}
	if opts.AuthURL == "" {
		opts.AuthURL = "https://id.twitch.tv/oauth2/token"
	}
	if opts.APIURL == "" {
		opts.APIURL = "https://api.twitch.tv/helix"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		authURL:      opts.AuthURL,
		apiURL:       opts.APIURL,
		httpClient:   opts.HTTPClient,
	}, nil
}

// Video is one catalog entry as this system cares about it.
type Video struct {
	ID            string
	Title         string
	URL           string
	Duration      string
	CreatedAt     time.Time
	MutedSegments []vods.MutedSegment
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// getAccessToken runs the client-credentials flow, caching the token
// until a minute before expiry.
func (c *Client) getAccessToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	params := url.Values{}
	params.Set("client_id", c.clientID)
	params.Set("client_secret", c.clientSecret)
	params.Set("grant_type", "client_credentials")

	resp, err := c.httpClient.Post(c.authURL+"?"+params.Encode(), "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}

func (c *Client) apiRequest(endpoint string, params url.Values, out interface{}) error {
	token, err := c.getAccessToken()
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodGet, c.apiURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Client-ID", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request %s failed with status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type usersResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *Client) GetChannelID(login string) (string, error) {
	params := url.Values{}
	params.Set("login", login)

	var users usersResponse
	if err := c.apiRequest("users", params, &users); err != nil {
		return "", err
	}
	if len(users.Data) == 0 {
		return "", fmt.Errorf("no channel found for login %q", login)
	}
	return users.Data[0].ID, nil
}

type videosResponse struct {
	Data []struct {
		ID            string    `json:"id"`
		Title         string    `json:"title"`
		URL           string    `json:"url"`
		Duration      string    `json:"duration"`
		CreatedAt     time.Time `json:"created_at"`
		MutedSegments []struct {
			Offset   float64 `json:"offset"`
			Duration float64 `json:"duration"`
		} `json:"muted_segments"`
	} `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// GetRecentVods pages through the channel's archives, keeping VODs
// created within the last daysBack days.
func (c *Client) GetRecentVods(channelID string, daysBack int) ([]Video, error) {
	cutoff := time.Now().AddDate(0, 0, -daysBack)

	var all []Video
	cursor := ""
	for {
		params := url.Values{}
		params.Set("user_id", channelID)
		params.Set("type", "archive")
		params.Set("first", "100")
		if cursor != "" {
			params.Set("after", cursor)
		}

		var page videosResponse
		if err := c.apiRequest("videos", params, &page); err != nil {
			return nil, err
		}

		recent := 0
		for _, v := range page.Data {
			if v.CreatedAt.Before(cutoff) {
				continue
			}
			recent++
			video := Video{
				ID:        v.ID,
				Title:     v.Title,
				URL:       v.URL,
				Duration:  v.Duration,
				CreatedAt: v.CreatedAt,
			}
			for _, seg := range v.MutedSegments {
				video.MutedSegments = append(video.MutedSegments, vods.MutedSegment{
					Offset:   seg.Offset,
					Duration: seg.Duration,
				})
			}
			all = append(all, video)
		}

		cursor = page.Pagination.Cursor
		if cursor == "" || len(page.Data) < 100 || recent < len(page.Data) {
			break
		}
	}
	return all, nil
}

// GetMutedSegments fetches the mute hints for one VOD. Errors collapse
// to an empty list so a hint failure never blocks a scan; detection
// during repair covers the gap.
func (c *Client) GetMutedSegments(vodID string) []vods.MutedSegment {
	params := url.Values{}
	params.Set("id", vodID)

	var page videosResponse
	if err := c.apiRequest("videos", params, &page); err != nil {
		log.Warnf("failed to get muted segments for VOD %s: %v", vodID, err)
		return nil
	}
	if len(page.Data) == 0 {
		return nil
	}

	var segs []vods.MutedSegment
	for _, seg := range page.Data[0].MutedSegments {
		segs = append(segs, vods.MutedSegment{Offset: seg.Offset, Duration: seg.Duration})
	}
	return segs
}

// NormalizeLogin is a convenience for env values that include a full
// channel URL.
func NormalizeLogin(value string) string {
	value = strings.TrimSuffix(value, "/")
	if idx := strings.LastIndex(value, "/"); idx >= 0 {
		return value[idx+1:]
	}
	return value
}
