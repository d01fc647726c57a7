package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/vishnenko/ringline/internal/callsession"
	"github.com/vishnenko/ringline/internal/config"
)

func openTestPush(t *testing.T) *WebPush {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open in-memory db failed: %v", err)
	}
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate vapid keys failed: %v", err)
	}
	keys := &config.VAPIDKeys{PublicKey: public, PrivateKey: private, Subject: "mailto:test@ringline.test"}
	wp, err := NewWebPush(db, keys, "alice", slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new webpush failed: %v", err)
	}
	return wp
}

// browserKeys produces a valid p256dh/auth pair the way a browser would.
func browserKeys(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate p256 key failed: %v", err)
	}
	auth := make([]byte, 16)
	rand.Read(auth)
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(auth)
}

func TestSubscribeReplacesPrevious(t *testing.T) {
	wp := openTestPush(t)
	p256dh, auth := browserKeys(t)

	if _, err := wp.Subscribe("alice", "https://push.test/one", p256dh, auth); err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	if _, err := wp.Subscribe("alice", "https://push.test/two", p256dh, auth); err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}

	var subs []PushSubscription
	if err := wp.db.Where("user_id = ?", "alice").Find(&subs).Error; err != nil {
		t.Fatalf("find subscriptions failed: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected one subscription after replace, got %d", len(subs))
	}
	if subs[0].Endpoint != "https://push.test/two" {
		t.Errorf("kept endpoint = %q, want the latest one", subs[0].Endpoint)
	}
	if subs[0].ID == "" {
		t.Error("subscription id not assigned on create")
	}
}

func TestUnsubscribe(t *testing.T) {
	wp := openTestPush(t)
	p256dh, auth := browserKeys(t)

	if _, err := wp.Subscribe("alice", "https://push.test/one", p256dh, auth); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := wp.Unsubscribe("alice", "https://push.test/one"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if err := wp.Unsubscribe("alice", "https://push.test/one"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("second unsubscribe error = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestNotifyDeliversToEndpoint(t *testing.T) {
	wp := openTestPush(t)

	delivered := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- r
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p256dh, auth := browserKeys(t)
	if _, err := wp.Subscribe("alice", srv.URL, p256dh, auth); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	wp.Notify(context.Background(), callsession.Notification{
		Title: "Incoming call",
		Body:  "Bob",
		Call:  callsession.CallID{Type: "default", ID: "c1"},
	})

	select {
	case r := <-delivered:
		if r.Method != http.MethodPost {
			t.Errorf("push request method = %s, want POST", r.Method)
		}
	default:
		t.Fatal("no push request reached the endpoint")
	}
}

func TestNotifyDropsExpiredEndpoint(t *testing.T) {
	wp := openTestPush(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	p256dh, auth := browserKeys(t)
	if _, err := wp.Subscribe("alice", srv.URL, p256dh, auth); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	wp.Notify(context.Background(), callsession.Notification{Title: "Call ended"})

	var count int64
	wp.db.Model(&PushSubscription{}).Where("user_id = ?", "alice").Count(&count)
	if count != 0 {
		t.Errorf("expired subscription still present, count = %d", count)
	}
}
