package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vishnenko/ringline/internal/callsession"
	"github.com/vishnenko/ringline/internal/config"
)

// PushSubscription is one browser push endpoint registered by the UI.
type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Endpoint  string    `gorm:"type:text;not null" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}

var ErrSubscriptionNotFound = errors.New("push subscription not found")

// WebPush delivers notifications to the local user's registered browsers via
// the Web Push protocol. Delivery failures are logged; endpoints rejected by
// the push service are dropped from the store.
type WebPush struct {
	db     *gorm.DB
	keys   *config.VAPIDKeys
	userID string
	logger *slog.Logger
}

func NewWebPush(db *gorm.DB, keys *config.VAPIDKeys, userID string, logger *slog.Logger) (*WebPush, error) {
	if err := db.AutoMigrate(&PushSubscription{}); err != nil {
		return nil, err
	}
	return &WebPush{db: db, keys: keys, userID: userID, logger: logger}, nil
}

// PublicKey returns the VAPID public key the UI needs to subscribe.
func (w *WebPush) PublicKey() string {
	return w.keys.PublicKey
}

// Subscribe replaces any previous subscriptions for the user with the given
// endpoint, keeping a single active browser registration.
func (w *WebPush) Subscribe(userID, endpoint, p256dh, auth string) (*PushSubscription, error) {
	if err := w.db.Where("user_id = ?", userID).Delete(&PushSubscription{}).Error; err != nil {
		w.logger.Warn("failed to delete old push subscriptions", "user_id", userID, "error", err)
	}
	sub := PushSubscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256DH:   p256dh,
		Auth:     auth,
	}
	if err := w.db.Create(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (w *WebPush) Unsubscribe(userID, endpoint string) error {
	var sub PushSubscription
	err := w.db.Where("user_id = ? AND endpoint = ?", userID, endpoint).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSubscriptionNotFound
	}
	if err != nil {
		return err
	}
	return w.db.Delete(&sub).Error
}

func (w *WebPush) Notify(_ context.Context, n callsession.Notification) {
	var subs []PushSubscription
	if err := w.db.Where("user_id = ?", w.userID).Find(&subs).Error; err != nil {
		w.logger.Warn("failed to load push subscriptions", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"title":   n.Title,
		"body":    n.Body,
		"data":    map[string]any{"call_type": n.Call.Type, "call_id": n.Call.ID},
		"urgency": "high",
	})
	if err != nil {
		w.logger.Warn("failed to marshal push payload", "error", err)
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      w.keys.Subject,
			VAPIDPublicKey:  w.keys.PublicKey,
			VAPIDPrivateKey: w.keys.PrivateKey,
			TTL:             30,
		})
		if err != nil {
			w.logger.Warn("push delivery failed", "endpoint", sub.Endpoint, "error", err)
			continue
		}
		// 404/410 mean the browser dropped the endpoint.
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			w.logger.Info("dropping expired push subscription", "endpoint", sub.Endpoint)
			w.db.Delete(&sub)
		}
		resp.Body.Close()
	}
}
