package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readEnvelope(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg received
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("bad message %s: %v", data, err)
	}
	return msg
}

func TestWSHandler_RoundTrip(t *testing.T) {
	hub := NewHub(seededReader(), nil, testTransportConfig(), nil, nil)
	server := httptest.NewServer(NewWSHandler(hub, testTransportConfig(), nil))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	// Initial snapshot arrives without any request.
	if msg := readEnvelope(t, conn); msg.Type != TypePriceUpdate {
		t.Fatalf("first message = %+v", msg)
	}
	if msg := readEnvelope(t, conn); msg.Type != TypeMarketUpdate {
		t.Fatalf("second message = %+v", msg)
	}

	sub := ClientMessage{Type: MsgSubscribe, Topics: []string{"protocols", "nope"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatal(err)
	}
	if msg := readEnvelope(t, conn); msg.Type != TypeError {
		t.Errorf("expected error for bad topic, got %+v", msg)
	}
	if msg := readEnvelope(t, conn); msg.Type != TypeMarketUpdate || msg.Source != "protocols" {
		t.Errorf("expected protocols snapshot, got %+v", msg)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSHandler_ServerCloseEndsConnection(t *testing.T) {
	hub := NewHub(newFakeReader(), nil, testTransportConfig(), nil, nil)
	server := httptest.NewServer(NewWSHandler(hub, testTransportConfig(), nil))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
}

func TestWSHandler_CheckOrigin(t *testing.T) {
	cfg := testTransportConfig()
	cfg.AllowedOrigins = []string{"https://app.example"}
	hub := NewHub(newFakeReader(), nil, cfg, nil, nil)
	server := httptest.NewServer(NewWSHandler(hub, cfg, nil))
	defer server.Close()

	tests := []struct {
		origin string
		ok     bool
	}{
		{"https://app.example", true},
		{"https://evil.example", false},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(wsURL(server), header)
			if tt.ok {
				if err != nil {
					t.Fatalf("Dial failed: %v", err)
				}
				conn.Close()
				return
			}
			if err == nil {
				conn.Close()
				t.Fatal("Expected origin to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}
