// Package push fans push notifications out to every registered device,
// routing each by its token kind to the matching gateway client. It never
// aborts a batch on a single device's failure; outcomes are captured
// per-device instead.
package push

import (
	"context"
	"fmt"
	"log/slog"

	"companiond/internal/escalation"
	"companiond/internal/notifstore"
)

const previewMaxLen = 200

// Gateway delivers one payload to one device's token. Implementations wrap
// a specific push provider's client.
type Gateway interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// Sender implements escalation.Sender, fanning a payload out across every
// registered device via the gateway matching its token kind.
type Sender struct {
	store    *notifstore.Store
	gateways map[notifstore.TokenKind]Gateway
}

// NewSender constructs a Sender. gateways maps each token kind this daemon
// supports to its delivery client; an unmapped kind is skipped per-device
// with a logged warning rather than failing the whole batch.
func NewSender(store *notifstore.Store, gateways map[notifstore.TokenKind]Gateway) *Sender {
	return &Sender{store: store, gateways: gateways}
}

// SendToAllDevices delivers the payload to every device, truncating body to
// previewMaxLen characters with an ellipsis. Implements escalation.Sender.
func (s *Sender) SendToAllDevices(ctx context.Context, devices []notifstore.Device, title, body string, data map[string]string) []escalation.PushResult {
	truncated := truncate(body, previewMaxLen)
	results := make([]escalation.PushResult, 0, len(devices))

	for _, d := range devices {
		gw, ok := s.gateways[d.TokenKind]
		if !ok {
			err := fmt.Errorf("no gateway registered for token kind %q", d.TokenKind)
			slog.Warn("[WARN-PUSH] unsupported token kind", "device", d.ID, "kind", d.TokenKind)
			results = append(results, escalation.PushResult{DeviceID: d.ID, Err: err})
			continue
		}
		err := gw.Send(ctx, d.Token, title, truncated, data)
		if err != nil {
			slog.Warn("[WARN-PUSH] gateway send failed", "device", d.ID, "error", err)
		}
		results = append(results, escalation.PushResult{DeviceID: d.ID, Err: err})
	}
	return results
}

// RegisterDevice, UnregisterDevice, and UpdateDeviceLastSeen delegate
// straight to the notification store, per the component design.
func (s *Sender) RegisterDevice(id, token string, kind notifstore.TokenKind) error {
	return s.store.RegisterDevice(id, token, kind)
}

func (s *Sender) UnregisterDevice(id string) error {
	return s.store.UnregisterDevice(id)
}

func (s *Sender) UpdateDeviceLastSeen(id string) error {
	return s.store.UpdateDeviceLastSeen(id)
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
