package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/psds-microservice/support-chat/internal/model"
)

const (
	EventTicketCreated       = "ticket.created"
	EventTicketReplied       = "ticket.replied"
	EventTicketStatusChanged = "ticket.status_changed"
	// EventTicketSnapshot carries the full current state; emitted by replay-events.
	EventTicketSnapshot = "ticket.snapshot"
)

// TicketEventProducer: интерфейс для отправки событий тикета в Kafka (для подмены моком в тестах).
type TicketEventProducer interface {
	ProduceTicketEvent(ctx context.Context, event string, payload map[string]interface{})
}

// Producer пишет события тикетов в топик Kafka (best-effort, не блокирует API).
type Producer struct {
	writer  *kafka.Writer
	topic   string
	timeout time.Duration
	log     zerolog.Logger
}

// NewProducer создаёт продюсер. Если brokers пустой или topic пустой: методы no-op.
func NewProducer(brokers []string, topic string, log zerolog.Logger) *Producer {
	p := &Producer{timeout: 5 * time.Second, log: log.With().Str("component", "kafka").Logger()}
	if len(brokers) == 0 || topic == "" {
		return p
	}
	p.topic = topic
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}
	return p
}

func (p *Producer) Enabled() bool { return p.writer != nil }

// ProduceTicketEvent отправляет событие тикета в топик. Ключ сообщения: ticket_id, чтобы события одного тикета шли в одну партицию.
func (p *Producer) ProduceTicketEvent(ctx context.Context, event string, payload map[string]interface{}) {
	if p.writer == nil {
		return
	}
	msg := map[string]interface{}{"event": event, "occurred_at": time.Now().UTC()}
	for k, v := range payload {
		msg[k] = v
	}
	body, err := json.Marshal(msg)
	if err != nil {
		p.log.Error().Err(err).Str("event", event).Msg("marshal ticket event")
		return
	}
	key, _ := payload["ticket_id"].(string)
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body}); err != nil {
		p.log.Warn().Err(err).Str("event", event).Msg("write ticket event")
	}
}

func (p *Producer) async(event string, payload map[string]interface{}) {
	if p.writer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		p.ProduceTicketEvent(ctx, event, payload)
	}()
}

func ticketPayload(t *model.Ticket) map[string]interface{} {
	return map[string]interface{}{
		"ticket_id":   t.ID,
		"user_id":     t.User.ID,
		"subject":     t.Subject,
		"status":      string(t.Status),
		"reply_count": len(t.Replies),
	}
}

func (p *Producer) TicketCreated(t *model.Ticket) {
	payload := ticketPayload(t)
	payload["message"] = t.Message
	p.async(EventTicketCreated, payload)
}

func (p *Producer) TicketReplied(t *model.Ticket, r *model.Reply) {
	payload := ticketPayload(t)
	payload["reply_id"] = r.ID
	payload["sender_role"] = string(r.SenderRole)
	payload["message"] = r.Message
	p.async(EventTicketReplied, payload)
}

func (p *Producer) TicketStatusChanged(t *model.Ticket, previous model.TicketStatus) {
	payload := ticketPayload(t)
	payload["previous"] = string(previous)
	p.async(EventTicketStatusChanged, payload)
}

// TicketSnapshot пишет текущее состояние тикета синхронно (для replay-events).
func (p *Producer) TicketSnapshot(ctx context.Context, t *model.Ticket) {
	payload := ticketPayload(t)
	payload["message"] = t.Message
	payload["attachments"] = len(t.Attachments)
	payload["created_at"] = t.CreatedAt.UTC()
	payload["updated_at"] = t.UpdatedAt.UTC()
	p.ProduceTicketEvent(ctx, EventTicketSnapshot, payload)
}

// Close закрывает writer.
func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// ParseBrokers разбивает строку брокеров "host1:9092,host2:9092" на слайс.
func ParseBrokers(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
