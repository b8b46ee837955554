package wsserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"companiond/internal/config"
)

func testHub(t *testing.T, token string) (*Hub, string) {
	t.Helper()
	cfg := config.Config{Listeners: []config.ListenerConfig{{Port: 0, Token: token}}}
	h := NewHub(cfg, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		h.Stop()
	})

	addr, ok := h.ListenerAddr(0)
	if !ok {
		t.Fatal("expected listener address")
	}
	return h, "ws://" + addr + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%q) error = %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) OutboundFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame OutboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return frame
}

func TestHub_ConnectedFrameThenAuthRequired(t *testing.T) {
	_, url := testHub(t, "secret")
	conn := dial(t, url)

	connected := readFrame(t, conn)
	if connected.Type != typeConnected || connected.Success == nil || !*connected.Success {
		t.Fatalf("connected frame = %+v", connected)
	}

	if err := conn.WriteJSON(InboundFrame{Type: typeSubscribe}); err != nil {
		t.Fatal(err)
	}
	reply := readFrame(t, conn)
	if reply.Type != typeError || reply.Error != ErrNotAuthenticated {
		t.Errorf("reply = %+v, want Not authenticated error", reply)
	}
}

func TestHub_AuthenticateSuccessAndFailure(t *testing.T) {
	_, url := testHub(t, "t-abc")
	conn := dial(t, url)
	readFrame(t, conn) // connected

	if err := conn.WriteJSON(InboundFrame{Type: typeAuthenticate, RequestID: "a1", Token: "wrong"}); err != nil {
		t.Fatal(err)
	}
	fail := readFrame(t, conn)
	if fail.Type != typeAuthenticated || fail.Success == nil || *fail.Success {
		t.Fatalf("expected failed auth, got %+v", fail)
	}

	if err := conn.WriteJSON(InboundFrame{Type: typeAuthenticate, RequestID: "a1", Token: "t-abc"}); err != nil {
		t.Fatal(err)
	}
	ok := readFrame(t, conn)
	if ok.Type != typeAuthenticated || ok.RequestID != "a1" || ok.Success == nil || !*ok.Success {
		t.Fatalf("expected successful auth, got %+v", ok)
	}
}

func authedConn(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn := dial(t, url)
	readFrame(t, conn)
	if err := conn.WriteJSON(InboundFrame{Type: typeAuthenticate, RequestID: "a1", Token: token}); err != nil {
		t.Fatal(err)
	}
	readFrame(t, conn)
	return conn
}

func TestHub_SubscribeThenBroadcastMatchesSession(t *testing.T) {
	h, url := testHub(t, "")
	conn := authedConn(t, url, "")

	payload, _ := json.Marshal(subscribePayload{SessionID: "S1"})
	if err := conn.WriteJSON(InboundFrame{Type: typeSubscribe, RequestID: "s1", Payload: payload}); err != nil {
		t.Fatal(err)
	}
	readFrame(t, conn) // subscribed ack

	h.Broadcast("conversation_update", "S2", map[string]string{"x": "1"})
	h.Broadcast("conversation_update", "S1", map[string]string{"x": "2"})

	got := readFrame(t, conn)
	if got.SessionID != "S1" {
		t.Fatalf("expected only the S1 broadcast to arrive, got %+v", got)
	}
}

func TestHub_UnsubscribedClientReceivesNoBroadcast(t *testing.T) {
	h, url := testHub(t, "")
	conn := authedConn(t, url, "")

	h.Broadcast("conversation_update", "S1", map[string]string{"x": "1"})

	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var frame OutboundFrame
	err := conn.ReadJSON(&frame)
	if err == nil {
		t.Fatalf("expected no frame for unsubscribed client, got %+v", frame)
	}
}

func TestHub_UnknownMessageType(t *testing.T) {
	_, url := testHub(t, "")
	conn := authedConn(t, url, "")

	if err := conn.WriteJSON(InboundFrame{Type: "bogus_verb", RequestID: "r9"}); err != nil {
		t.Fatal(err)
	}
	got := readFrame(t, conn)
	if got.Success == nil || *got.Success {
		t.Fatalf("expected failure response, got %+v", got)
	}
	if got.Error != "Unknown message type: bogus_verb" {
		t.Errorf("Error = %q", got.Error)
	}
}

func TestHub_RegisteredHandlerDispatches(t *testing.T) {
	h, url := testHub(t, "")
	h.Handle("ping_verb", func(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
		return map[string]string{"pong": "yes"}, nil
	})
	conn := authedConn(t, url, "")

	if err := conn.WriteJSON(InboundFrame{Type: "ping_verb", RequestID: "r1"}); err != nil {
		t.Fatal(err)
	}
	got := readFrame(t, conn)
	if got.Success == nil || !*got.Success || got.RequestID != "r1" {
		t.Fatalf("got = %+v", got)
	}
}

func TestHub_RotateTokenInvalidatesOtherClients(t *testing.T) {
	_, url := testHub(t, "old-token")
	first := authedConn(t, url, "old-token")
	second := authedConn(t, url, "old-token")

	if err := first.WriteJSON(InboundFrame{Type: typeRotateToken, RequestID: "rt1"}); err != nil {
		t.Fatal(err)
	}
	rotated := readFrame(t, first)
	if rotated.Type != typeTokenRotated || rotated.Success == nil || !*rotated.Success {
		t.Fatalf("rotated = %+v", rotated)
	}

	invalidated := readFrame(t, second)
	if invalidated.Type != typeInvalidated {
		t.Fatalf("expected token_invalidated, got %+v", invalidated)
	}

	payloadMap, ok := rotated.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload = %#v", rotated.Payload)
	}
	newToken, _ := payloadMap["token"].(string)
	if newToken == "" || newToken == "old-token" {
		t.Fatalf("newToken = %q", newToken)
	}

	// The old token must now be rejected on the same listener.
	if err := second.WriteJSON(InboundFrame{Type: typeAuthenticate, RequestID: "a2", Token: "old-token"}); err != nil {
		t.Fatal(err)
	}
	retry := readFrame(t, second)
	if retry.Success == nil || *retry.Success {
		t.Fatalf("expected old token to be rejected after rotation, got %+v", retry)
	}
}
