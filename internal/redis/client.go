package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// SignalChannel is the pub/sub channel carrying signaling events for one user.
func SignalChannel(userID string) string {
	return fmt.Sprintf("signal:%s", userID)
}

// CallKey holds the JSON-serialized call session in the redis-backed store.
func CallKey(callID string) string {
	return fmt.Sprintf("call:%s", callID)
}

// PendingKey holds the set of ringing call IDs addressed to one receiver.
func PendingKey(userID string) string {
	return fmt.Sprintf("pendingcalls:%s", userID)
}

// LiveKey holds the set of non-terminal call IDs a user participates in.
func LiveKey(userID string) string {
	return fmt.Sprintf("livecalls:%s", userID)
}

// PairKey indexes the live (ringing or active) call for an ordered caller/receiver pair.
func PairKey(callerID, receiverID string) string {
	return fmt.Sprintf("callpair:%s:%s", callerID, receiverID)
}
