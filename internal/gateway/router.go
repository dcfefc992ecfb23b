package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"statesync/internal/document"
)

// SystemGroup is the process-wide group every client joins; it carries
// administrative broadcasts.
const SystemGroup = "_statesync_system"

// AnchorGroup names the group holding every subscriber of an anchor.
func AnchorGroup(channel, anchorID string) string {
	return fmt.Sprintf("%s_%s", channel, anchorID)
}

// UserGroup names the per-user group of an anchor; documents carrying a
// _user_key are delivered only there.
func UserGroup(channel, anchorID, userID string) string {
	return fmt.Sprintf("%s_%s_%s", channel, anchorID, userID)
}

// Router routes delta pipeline payloads into groups. It implements the
// pipeline's Dispatcher.
type Router struct {
	groups *Groups
}

// NewRouter wires the router to the group layer.
func NewRouter(groups *Groups) *Router {
	return &Router{groups: groups}
}

// Groups exposes the underlying group layer for the hub.
func (r *Router) Groups() *Groups { return r.groups }

// SendToAnchor fans a batch out to an anchor's subscribers. Public
// documents go to the anchor group; user documents go to the owner's
// group only. The batch is re-encoded canonically per destination.
func (r *Router) SendToAnchor(ctx context.Context, channel, anchorID string, docs []document.Document) error {
	byGroup := make(map[string][]document.Document)
	for _, doc := range docs {
		group := AnchorGroup(channel, anchorID)
		if uk := doc.UserKey(); uk != "" {
			group = UserGroup(channel, anchorID, uk)
		}
		byGroup[group] = append(byGroup[group], doc)
	}

	for group, batch := range byGroup {
		payload, err := document.EncodeBatch(batch)
		if err != nil {
			return fmt.Errorf("encode batch for %s: %w", group, err)
		}
		if err := r.groups.Send(ctx, group, payload); err != nil {
			return fmt.Errorf("send to %s: %w", group, err)
		}
		if r.groups.metrics != nil {
			r.groups.metrics.DeltaBytes.Add(float64(len(payload)))
		}
	}
	return nil
}

// SendSystemMessage delivers an administrative notice to every connected
// client of every gateway process.
func (r *Router) SendSystemMessage(ctx context.Context, source string, message any) error {
	payload, err := json.Marshal(map[string]any{
		"source":  source,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("encode system message: %w", err)
	}
	return r.groups.Send(ctx, SystemGroup, payload)
}

// BroadcastNotification sends an ad-hoc document to an anchor group
// outside the schema graph. The document is stamped as a notification
// and is never cached.
func (r *Router) BroadcastNotification(ctx context.Context, channel, anchorID string, tstamp float64, fields map[string]any) error {
	doc := document.Document{
		document.FieldID:           0,
		document.FieldInstanceType: "_notification",
		document.FieldTstamp:       tstamp,
		document.FieldOperation:    document.OpCreate,
	}
	for k, v := range fields {
		if !document.IsMetaField(k) {
			doc[k] = v
		}
	}
	payload, err := document.EncodeBatch([]document.Document{doc})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return r.groups.Send(ctx, AnchorGroup(channel, anchorID), payload)
}
