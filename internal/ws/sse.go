package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/leafsii/leafsii-farming/internal/store"
	"go.uber.org/zap"
)

type SSEHandler struct {
	cache     *store.Cache
	logger    *zap.SugaredLogger
	heartbeat time.Duration
}

func NewSSEHandler(cache *store.Cache, logger *zap.SugaredLogger) *SSEHandler {
	return &SSEHandler{
		cache:     cache,
		logger:    logger,
		heartbeat: 30 * time.Second,
	}
}

// HandleSSE streams events as server-sent events. Query parameters:
// topics=events,quotes,<event kind>... and address=<principal> to only
// receive events naming that principal.
func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	channels := mapTopicsToChannels(parseTopics(r))
	address := host.NormalizePrincipal(r.URL.Query().Get("address"))
	h.logger.Debugw("SSE connection established", "channels", channels, "address", address)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.cache.Subscribe(ctx, channels...)
	defer sub.Close()

	h.stream(ctx, w, sub, address)
}

func parseTopics(r *http.Request) []string {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		return nil
	}
	return strings.Split(topicsParam, ",")
}

func mapTopicsToChannels(topics []string) []string {
	seen := make(map[string]bool)
	channels := make([]string, 0)
	add := func(ch string) {
		if !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}

	for _, topic := range topics {
		switch topic = strings.TrimSpace(strings.ToLower(topic)); topic {
		case "events":
			for _, kind := range engine.EventKinds {
				add(engine.EventChannel(kind))
			}
		case "quotes":
			add(engine.KeyPoolQuote)
			add(engine.KeyVaultQuote)
		default:
			for _, kind := range engine.EventKinds {
				if kind == topic {
					add(engine.EventChannel(kind))
				}
			}
		}
	}

	if len(channels) == 0 {
		return Channels()
	}
	return channels
}

func channelToEventType(channel string) string {
	switch {
	case channel == engine.KeyPoolQuote:
		return "pool_quote"
	case channel == engine.KeyVaultQuote:
		return "vault_quote"
	case strings.HasPrefix(channel, engine.EventChannelPrefix):
		return strings.TrimPrefix(channel, engine.EventChannelPrefix) + "_event"
	default:
		return "update"
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType, id string, data interface{}) {
	payload := []byte("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			h.logger.Errorw("Failed to marshal SSE data", "error", err)
			return
		}
		payload = b
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "id: %s\n", id)
	fmt.Fprintf(w, "data: %s\n\n", payload)

	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (h *SSEHandler) stream(ctx context.Context, w http.ResponseWriter, sub store.Subscription, address string) {
	h.sendEvent(w, "connected", "0", nil)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var data json.RawMessage
			if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
				h.logger.Warnw("Failed to parse message payload", "error", err)
				continue
			}
			if address != "" && strings.HasPrefix(msg.Channel, engine.EventChannelPrefix) {
				var parties eventParties
				_ = json.Unmarshal(data, &parties)
				if host.NormalizePrincipal(parties.Actor) != address && host.NormalizePrincipal(parties.Target) != address {
					continue
				}
			}

			h.sendEvent(w, channelToEventType(msg.Channel), msg.Channel, data)
		}
	}
}
