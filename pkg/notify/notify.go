// Package notify tells the players of a lobby that their game starts.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// DefaultTimeout bounds one notification request.
const DefaultTimeout = 5 * time.Second

// Opponent is one entry of the list sent to a player.
type Opponent struct {
	PlayerName  string `json:"playerName"`
	CallbackURL string `json:"callbackUrl"`
}

// UnreachableError reports the first player that could not be notified.
type UnreachableError struct {
	Player string
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("player %s is unreachable: %s", e.Player, e.Err.Error())
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

func NewClient(httpClient *http.Client, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("new notify client, logger is nil")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:    httpClient,
		timeout: timeout,
		logger:  logger.With("component", "notify"),
	}, nil
}

type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NotifyStart posts to every player, in name order, the list of the other players.
// It stops at the first failure; players notified before it are not called back.
func (c *Client) NotifyStart(ctx context.Context, players map[string]string) error {
	names := make([]string, 0, len(players))
	for name := range players {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		opponents := make([]Opponent, 0, len(names)-1)
		for _, other := range names {
			if other != name {
				opponents = append(opponents, Opponent{PlayerName: other, CallbackURL: players[other]})
			}
		}
		if err := c.post(ctx, players[name], opponents); err != nil {
			c.logger.Error("failed to notify player", "player", name, "error", err.Error())
			return &UnreachableError{Player: name, Err: err}
		}
		c.logger.Debug("player notified", "player", name)
	}
	c.logger.Info("all players notified", "players", len(names))
	return nil
}

func (c *Client) post(ctx context.Context, callback string, opponents []Opponent) error {
	body, err := json.Marshal(opponents)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(callback, "/")+"/start", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
