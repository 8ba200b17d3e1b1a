package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/psds-microservice/support-chat/internal/config"
	"github.com/psds-microservice/support-chat/internal/database"
	"github.com/psds-microservice/support-chat/internal/kafka"
	"github.com/psds-microservice/support-chat/internal/model"
)

var replayEventsCmd = &cobra.Command{
	Use:   "replay-events",
	Short: "Publish a ticket.snapshot event for every ticket to Kafka (rebuild downstream consumers)",
	RunE:  runReplayEvents,
}

func runReplayEvents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	producer := kafka.NewProducer(kafka.ParseBrokers(cfg.KafkaBrokers), cfg.KafkaTopicTicket, log.Logger)
	if !producer.Enabled() {
		log.Warn().Msg("replay-events: KAFKA_BROKERS or KAFKA_TOPIC_TICKET not set, nothing to do")
		return nil
	}
	defer producer.Close()

	conn, err := database.Open(cfg.DSN())
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	var tickets []model.Ticket
	if err := conn.Preload("Replies").Order("created_at").Find(&tickets).Error; err != nil {
		return fmt.Errorf("list tickets: %w", err)
	}
	log.Info().Int("tickets", len(tickets)).Msg("replay-events: start")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	for i := range tickets {
		producer.TicketSnapshot(ctx, &tickets[i])
		if (i+1)%50 == 0 || i == len(tickets)-1 {
			log.Info().Int("sent", i+1).Int("total", len(tickets)).Msg("replay-events: progress")
		}
	}
	log.Info().Int("sent", len(tickets)).Msg("replay-events: done")
	return nil
}
