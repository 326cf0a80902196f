package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportchat/internal/domain"
)

func newTestClient(t *testing.T, r chi.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.ChatServerURL = srv.URL
	cfg.APIURL = srv.URL
	cfg.SocketURL = "ws://example.test/ws/"
	cfg.Tenant = "tenant.example"
	cfg.ClientID = "id"
	cfg.ClientSecret = "secret"
	return NewClient(cfg, srv.Client(), nil)
}

func decodeBody(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return body
}

func TestCreateConversation(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/chat-api/new", func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		if body["client_email"] != "a@b.c" || body["namespace"] != "ns" {
			t.Errorf("unexpected body %v", body)
		}
		if body["client_custom_data"] != `{"plan":"gold"}` {
			t.Errorf("expected JSON-encoded custom data, got %q", body["client_custom_data"])
		}
		_, _ = w.Write([]byte(`{"token":"tok","active_chat_key":"key"}`))
	})
	c := newTestClient(t, r)

	session, err := c.CreateConversation(context.Background(), domain.Identity{
		Email:      "a@b.c",
		Namespace:  "ns",
		CustomData: map[string]string{"plan": "gold"},
	})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if session.ChatKey != "key" || session.Token != "tok" {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestCreateConversationServerError(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/chat-api/new", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusForbidden)
	})
	c := newTestClient(t, r)

	_, err := c.CreateConversation(context.Background(), domain.Identity{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
}

func TestHistoryUsesAccessToken(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/application/access_token/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("tenant") != "tenant.example" {
			t.Errorf("missing tenant header")
		}
		body := decodeBody(t, r)
		if body["client_id"] != "id" || body["client_secret"] != "secret" {
			t.Errorf("unexpected credentials %v", body)
		}
		_, _ = w.Write([]byte(`{"access_token":"bearer-1"}`))
	})
	r.Get("/v3/chats/{chatKey}/history", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "chatKey") != "key" {
			t.Errorf("unexpected chat key %q", chi.URLParam(r, "chatKey"))
		}
		if r.Header.Get("Authorization") != "Bearer bearer-1" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"chat_history":[{"type":"text","sender":"client","message":"hi","msg_id":7}]}`))
	})
	c := newTestClient(t, r)

	records, err := c.History(context.Background(), "key")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 1 || records[0].Message != "hi" || records[0].MsgID != "7" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestPutMessage(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantID  string
		wantErr error
	}{
		{"accepted", `{"success":true,"msg_id":"m1"}`, "m1", nil},
		{"rejected", `{"success":false}`, "", ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Post("/chat-api/put_message", func(w http.ResponseWriter, r *http.Request) {
				body := decodeBody(t, r)
				if body["token"] != "tok" || body["message_body"] != "hello" {
					t.Errorf("unexpected body %v", body)
				}
				_, _ = w.Write([]byte(tt.reply))
			})
			c := newTestClient(t, r)

			id, err := c.PutMessage(context.Background(), "tok", "hello")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PutMessage error = %v, want %v", err, tt.wantErr)
			}
			if id != tt.wantID {
				t.Errorf("msg id = %q, want %q", id, tt.wantID)
			}
		})
	}
}

func TestEndConversation(t *testing.T) {
	called := false
	r := chi.NewRouter()
	r.Post("/chat-api/end", func(w http.ResponseWriter, r *http.Request) {
		called = decodeBody(t, r)["token"] == "tok"
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, r)

	if err := c.EndConversation(context.Background(), "tok"); err != nil {
		t.Fatalf("EndConversation: %v", err)
	}
	if !called {
		t.Fatal("expected end endpoint to receive the token")
	}
}

func TestSocketURL(t *testing.T) {
	c := NewClient(Config{SocketURL: "wss://chat.example/ws/"}, nil, nil)
	got := c.SocketURL(domain.Session{ChatKey: "k1", Token: "t1"})
	if got != "wss://chat.example/ws/k1/t1" {
		t.Fatalf("unexpected socket url %q", got)
	}
}
