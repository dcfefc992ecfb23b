package redis

import (
	"context"
	"fmt"
	"strings"
)

// ScanAnchors returns the anchor ids of every channel anchor that has a
// state key, COLD anchors excluded since their keys are gone.
func (c *Client) ScanAnchors(ctx context.Context, channel string) ([]string, error) {
	pattern := fmt.Sprintf("%s:*:state", channel)
	prefix := channel + ":"

	var anchors []string
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan anchors %s: %w", channel, err)
		}
		for _, key := range keys {
			// Anchor ids may themselves contain colons; strip the fixed
			// channel prefix and ":state" suffix instead of splitting.
			id := strings.TrimPrefix(key, prefix)
			id = strings.TrimSuffix(id, ":state")
			anchors = append(anchors, id)
		}
		cursor = next
		if cursor == 0 {
			return anchors, nil
		}
	}
}

// IsActive reports whether the anchor is being heated or is serving the
// document cache.
func (c *Client) IsActive(ctx context.Context, channel, anchorID string) (bool, error) {
	state, err := c.Session(channel, anchorID).State(ctx)
	if err != nil {
		return false, err
	}
	return state == StateHeating || state == StateHot, nil
}

// InitChannel removes every coordination key of a channel. Startup and
// manual cache-clear hook; the document cache is purged separately.
func (c *Client) InitChannel(ctx context.Context, channel string) error {
	pattern := fmt.Sprintf("%s:*", channel)
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return fmt.Errorf("scan channel %s: %w", channel, err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("clear channel %s: %w", channel, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
