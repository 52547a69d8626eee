package bot

import (
	"context"
	"encoding/json"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Run handles queued updates one at a time until ctx is done
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Update worker started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Update worker stopped")
			return nil
		case update := <-b.updates:
			b.handleUpdate(ctx, update)
		}
	}
}

// Poller is the long-polling half of tgbotapi.BotAPI
type Poller interface {
	API
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// StartPolling feeds updates from long polling into the worker queue until ctx is done
func (b *Bot) StartPolling(ctx context.Context, poller Poller) error {
	b.logger.Info("Starting bot in polling mode")

	// Remove webhook (if any was set previously)
	if _, err := poller.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		b.logger.Warn("Failed to delete webhook", zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := poller.GetUpdatesChan(u)
	defer poller.StopReceivingUpdates()

	b.logger.Info("Bot started successfully. Waiting for updates...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case b.updates <- update:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// StartWebhook registers webhookURL/telegram-webhook with Telegram
func (b *Bot) StartWebhook(webhookURL string) error {
	b.logger.Info("Setting up webhook", zap.String("webhook_url", webhookURL))

	webhookConfig, err := tgbotapi.NewWebhook(webhookURL + "/telegram-webhook")
	if err != nil {
		return err
	}
	webhookConfig.MaxConnections = 40

	if _, err := b.api.Request(webhookConfig); err != nil {
		b.logger.Error("Failed to set webhook", zap.Error(err), zap.String("webhook_url", webhookURL))
		return err
	}

	b.logger.Info("Bot configured for webhook mode")
	return nil
}

// Enqueue hands an update to the worker. It reports false when the queue is full.
func (b *Bot) Enqueue(update tgbotapi.Update) bool {
	select {
	case b.updates <- update:
		return true
	default:
		return false
	}
}

// WebhookHandler accepts Telegram updates posted to the webhook endpoint
func (b *Bot) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			b.logger.Warn("Error decoding webhook update", zap.Error(err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		// Respond quickly; the worker handles the update
		if !b.Enqueue(update) {
			b.logger.Warn("Update queue full, asking Telegram to retry", zap.Int("update_id", update.UpdateID))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
