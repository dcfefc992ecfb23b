package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"statesync/internal/document"
)

// pollInterval bounds how long a reader waits on the trigger topic before
// re-checking the list directly. Covers a lost pub/sub message.
const pollInterval = 5 * time.Second

// poisonMarker is pushed by RollbackToCold to fail readers fast.
const poisonMarker = "error"

// ListInstances follows the instances list of an anchor being heated or
// cooled by another session, yielding decoded document batches as the
// writer appends them. Returns once the writer publishes the end-of-stream
// signal, or ErrSnapshotAborted when the writer rolled back.
func (s *StateSession) ListInstances(ctx context.Context, yield func(batch []document.Document) error) error {
	sub := s.c.rdb.Subscribe(ctx, s.keys[4])
	defer sub.Close()

	// Confirm the subscription before reading so no trigger is missed
	// between the first LRANGE and the select loop.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe trigger %s/%s: %w", s.channel, s.anchorID, err)
	}
	msgs := sub.Channel()

	cursor := int64(0)

	advance := func(length int64) error {
		if length <= cursor {
			return nil
		}
		raw, err := s.c.rdb.LRange(ctx, s.keys[2], cursor, length-1).Result()
		if err != nil {
			return fmt.Errorf("read instances %s/%s: %w", s.channel, s.anchorID, err)
		}
		batch := make([]document.Document, 0, len(raw))
		for _, item := range raw {
			if item == poisonMarker {
				return ErrSnapshotAborted
			}
			doc, err := document.Decode([]byte(item))
			if err != nil {
				return fmt.Errorf("decode instance %s/%s: %w", s.channel, s.anchorID, err)
			}
			batch = append(batch, doc)
		}
		cursor = length
		if len(batch) == 0 {
			return nil
		}
		return yield(batch)
	}

	// Catch up with anything appended before the subscription.
	length, err := s.c.rdb.LLen(ctx, s.keys[2]).Result()
	if err != nil {
		return fmt.Errorf("llen instances %s/%s: %w", s.channel, s.anchorID, err)
	}
	if err := advance(length); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("trigger channel closed %s/%s", s.channel, s.anchorID)
			}
			n, err := strconv.ParseInt(msg.Payload, 10, 64)
			if err != nil {
				return fmt.Errorf("bad trigger payload %q: %w", msg.Payload, err)
			}
			if n <= 0 {
				// End of stream; -n is the final list length. Writers
				// always push before publishing, so positive triggers
				// are never zero.
				if err := advance(-n); err != nil {
					return err
				}
				return nil
			}
			if err := advance(n); err != nil {
				return err
			}
		case <-time.After(pollInterval):
			length, err := s.c.rdb.LLen(ctx, s.keys[2]).Result()
			if err != nil {
				return fmt.Errorf("llen instances %s/%s: %w", s.channel, s.anchorID, err)
			}
			if err := advance(length); err != nil {
				return err
			}
			state, err := s.State(ctx)
			if err != nil {
				return err
			}
			if state == StateHot {
				// The writer finished and its end signal was lost.
				return nil
			}
			if state == StateCold {
				return ErrSnapshotAborted
			}
		}
	}
}
