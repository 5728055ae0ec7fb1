package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fermentation-monitor-backend/internal/model"
)

// AlertKind names what happened on a device.
type AlertKind string

const (
	AlertLeakSuspected  AlertKind = "leak_suspected"
	AlertDrainTriggered AlertKind = "drain_triggered"
)

// Alert is one event to push to the subscribers of a device.
type Alert struct {
	Kind     AlertKind
	DeviceID int64
	RunID    int64
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool manages a pool of workers for sending alert notifications.
type WorkerPool struct {
	size    int
	jobs    chan Alert
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	logger  *zap.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, logger *zap.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Alert, size*16),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		logger:  logger,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.logger.Debug("alert worker started", zap.Int("worker", id))
	for {
		select {
		case alert := <-wp.jobs:
			wp.sendAlert(ctx, alert)
		case <-ctx.Done():
			wp.logger.Debug("alert worker shutting down", zap.Int("worker", id))
			return
		}
	}
}

// Notify queues an alert without blocking. It reports false when the queue is full and
// the alert was dropped; ingestion must never wait on push delivery.
func (wp *WorkerPool) Notify(alert Alert) bool {
	select {
	case wp.jobs <- alert:
		return true
	default:
		return false
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Alert {
	return wp.jobs
}

type alertPayload struct {
	Kind     AlertKind `json:"kind"`
	DeviceID int64     `json:"device_id"`
	RunID    int64     `json:"run_id"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
}

// sendAlert fetches the subscriptions of the alert's device and pushes to each of them.
func (wp *WorkerPool) sendAlert(ctx context.Context, alert Alert) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_device_mapping sdm ON sdm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("sdm.device_id = ?", alert.DeviceID).
		Find(&subscriptions).Error
	if err != nil {
		wp.logger.Error("failed to fetch subscriptions", zap.Int64("device_id", alert.DeviceID), zap.Error(err))
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	var device model.Device
	label := fmt.Sprintf("%d", alert.DeviceID)
	if err := wp.db.WithContext(ctx).
		Select("name").
		First(&device, alert.DeviceID).Error; err != nil {
		wp.logger.Warn("failed to fetch device name", zap.Int64("device_id", alert.DeviceID), zap.Error(err))
	} else if device.Name != "" {
		label = device.Name
	}

	payload, err := json.Marshal(buildPayload(alert, label))
	if err != nil {
		wp.logger.Error("failed to encode alert", zap.Error(err))
		return
	}

	wp.logger.Info("sending alert",
		zap.String("kind", string(alert.Kind)),
		zap.Int64("device_id", alert.DeviceID),
		zap.Int("subscriptions", len(subscriptions)),
	)
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, payload)
	}
}

func buildPayload(alert Alert, label string) alertPayload {
	p := alertPayload{Kind: alert.Kind, DeviceID: alert.DeviceID, RunID: alert.RunID}
	switch alert.Kind {
	case AlertLeakSuspected:
		p.Title = "Leak suspected"
		p.Body = fmt.Sprintf("Water level on %s dropped sharply during batch %d.", label, alert.RunID)
	case AlertDrainTriggered:
		p.Title = "Drain opened"
		p.Body = fmt.Sprintf("%s reached its target pH; drain requested for batch %d.", label, alert.RunID)
	default:
		p.Title = "Device alert"
		p.Body = fmt.Sprintf("%s raised %s.", label, alert.Kind)
	}
	return p
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.logger.Warn("failed to send notification", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		wp.logger.Info("subscription expired, deleting", zap.String("endpoint", sub.Endpoint))
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.logger.Warn("failed to delete expired subscription", zap.String("endpoint", sub.Endpoint), zap.Error(err))
		}
	}
}
