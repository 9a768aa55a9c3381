package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mahaj/marketplace-chat/pkg/model"
)

// Client talks to the room directory on behalf of one authenticated user.
// Requests are not retried.
type Client struct {
	baseURL string
	http    *http.Client
	userID  string
	token   string
}

func NewClient(baseURL, userID, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		userID:  userID,
		token:   token,
	}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) authenticated() bool {
	return c.userID != "" && c.token != ""
}

// CreateOrJoinRoom returns the id of the room for participantIDs, creating
// it if needed. participantData is stored only when the room is created.
func (c *Client) CreateOrJoinRoom(ctx context.Context, participantIDs []string, participantData []model.IdentitySnapshot) (string, error) {
	if !c.authenticated() {
		return "", ErrUnauthenticated
	}
	participants, err := validateParticipants(participantIDs)
	if err != nil {
		return "", err
	}

	var resp CreateRoomResponse
	err = c.do(ctx, http.MethodPost, "/rooms", CreateRoomRequest{
		Action:          "create",
		Participants:    participants,
		CreatedBy:       c.userID,
		ParticipantData: participantData,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}

func (c *Client) ListRoomsForUser(ctx context.Context, userID string) ([]model.RoomMetadata, error) {
	if !c.authenticated() {
		return nil, ErrUnauthenticated
	}
	if userID != c.userID {
		return nil, ErrForbidden
	}

	var resp ListRoomsResponse
	if err := c.do(ctx, http.MethodGet, "/rooms?userId="+url.QueryEscape(userID), nil, &resp); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if resp.Rooms == nil {
		resp.Rooms = []model.RoomMetadata{}
	}
	return resp.Rooms, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(decodeError(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Login exchanges a user id for a token at the development /login endpoint.
func Login(ctx context.Context, baseURL, userID string) (string, error) {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: 10 * time.Second}}
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/login", LoginRequest{UserID: userID}, &resp); err != nil {
		return "", fmt.Errorf("login failed: %w", err)
	}
	return resp.Token, nil
}
