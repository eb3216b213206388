// Package media resolves playlists and tracks from the configured sources:
// the synthetic radio playlist (index 1) and a Subsonic-compatible server
// (indices >= 2).
package media

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// subsonicClient talks the Subsonic REST API (json flavor). Credentials
// never leave this package; cover art is proxied, not linked directly.
type subsonicClient struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

const (
	subsonicAPIVersion = "1.16.1"
	subsonicClientName = "snapdog"
)

func newSubsonicClient(baseURL, username, password string) *subsonicClient {
	return &subsonicClient{
		baseURL:  baseURL,
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// authParams builds the salted token auth query parameters.
func (c *subsonicClient) authParams() url.Values {
	saltBytes := make([]byte, 8)
	_, _ = rand.Read(saltBytes)
	salt := hex.EncodeToString(saltBytes)
	sum := md5.Sum([]byte(c.password + salt))

	params := url.Values{}
	params.Set("u", c.username)
	params.Set("t", hex.EncodeToString(sum[:]))
	params.Set("s", salt)
	params.Set("v", subsonicAPIVersion)
	params.Set("c", subsonicClientName)
	params.Set("f", "json")
	return params
}

func (c *subsonicClient) endpoint(method string, extra url.Values) string {
	params := c.authParams()
	for key, values := range extra {
		for _, v := range values {
			params.Add(key, v)
		}
	}
	return fmt.Sprintf("%s/rest/%s?%s", c.baseURL, method, params.Encode())
}

type subsonicEnvelope struct {
	Response struct {
		Status string `json:"status"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Playlists *struct {
			Playlist []subsonicPlaylist `json:"playlist"`
		} `json:"playlists"`
		Playlist *subsonicPlaylistDetail `json:"playlist"`
	} `json:"subsonic-response"`
}

type subsonicPlaylist struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SongCount int    `json:"songCount"`
	Duration  int    `json:"duration"` // seconds
	CoverArt  string `json:"coverArt"`
}

type subsonicPlaylistDetail struct {
	subsonicPlaylist
	Entry []subsonicSong `json:"entry"`
}

type subsonicSong struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
	Album    string `json:"album"`
	Duration int    `json:"duration"` // seconds
	CoverArt string `json:"coverArt"`
}

// get performs one API call and unwraps the subsonic-response envelope.
// These reads are idempotent; callers may retry.
func (c *subsonicClient) get(ctx context.Context, method string, extra url.Values) (*subsonicEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(method, extra), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subsonic %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subsonic %s: http %d", method, resp.StatusCode)
	}
	var env subsonicEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("subsonic %s: decode: %w", method, err)
	}
	if env.Response.Status != "ok" {
		if env.Response.Error != nil {
			return nil, fmt.Errorf("subsonic %s: %s (code %d)", method, env.Response.Error.Message, env.Response.Error.Code)
		}
		return nil, fmt.Errorf("subsonic %s: status %s", method, env.Response.Status)
	}
	return &env, nil
}

func (c *subsonicClient) getPlaylists(ctx context.Context) ([]subsonicPlaylist, error) {
	env, err := c.get(ctx, "getPlaylists", nil)
	if err != nil {
		return nil, err
	}
	if env.Response.Playlists == nil {
		return nil, nil
	}
	return env.Response.Playlists.Playlist, nil
}

func (c *subsonicClient) getPlaylist(ctx context.Context, id string) (*subsonicPlaylistDetail, error) {
	env, err := c.get(ctx, "getPlaylist", url.Values{"id": []string{id}})
	if err != nil {
		return nil, err
	}
	if env.Response.Playlist == nil {
		return nil, fmt.Errorf("subsonic getPlaylist %s: empty response", id)
	}
	return env.Response.Playlist, nil
}

// streamURL builds the authenticated stream URL for a song, optionally
// with a time offset for seek-by-reopen.
func (c *subsonicClient) streamURL(songID string, offsetSeconds int) string {
	extra := url.Values{"id": []string{songID}}
	if offsetSeconds > 0 {
		extra.Set("timeOffset", fmt.Sprintf("%d", offsetSeconds))
	}
	return c.endpoint("stream", extra)
}

// coverArt fetches raw cover art bytes for the proxy endpoint.
func (c *subsonicClient) coverArt(ctx context.Context, id string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint("getCoverArt", url.Values{"id": []string{id}}), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("subsonic getCoverArt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("subsonic getCoverArt: http %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}
