package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/marcelsud/webhook-dispatcher/config"
	"github.com/marcelsud/webhook-dispatcher/event"
	"github.com/marcelsud/webhook-dispatcher/eventbus"
	"github.com/marcelsud/webhook-dispatcher/eventbus/kafka"
	busredis "github.com/marcelsud/webhook-dispatcher/eventbus/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

/* cli - publishes one platform event to the configured bus
 * Usage: go run cmd/cli/main.go <event.type> [payload-json] [source]
 * The memory bus is process-local, so BUS_DRIVER must be redis or kafka.
 */

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: cli <event.type> [payload-json] [source]")
		os.Exit(1)
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	evt := event.PlatformEvent{
		ID:        uuid.New().String(),
		Type:      os.Args[1],
		Source:    "cli",
		CreatedAt: time.Now().UTC(),
	}
	if len(os.Args) > 2 {
		evt.Payload = json.RawMessage(os.Args[2])
	}
	if len(os.Args) > 3 {
		evt.Source = os.Args[3]
	}

	var bus eventbus.Bus
	switch cfg.BusDriver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		bus = busredis.NewBus(client, cfg.RedisStreamGroup, "cli", zerolog.Nop())
	case "kafka":
		bus = kafka.NewBus(kafka.SplitBrokers(cfg.KafkaBrokers), cfg.KafkaGroupID, zerolog.Nop())
	default:
		fmt.Printf("BUS_DRIVER %q cannot reach a running dispatcher\n", cfg.BusDriver)
		os.Exit(1)
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bus.Publish(ctx, cfg.EventTopic, evt); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Printf("Published %s (%s) to %s\n", evt.ID, evt.Type, cfg.EventTopic)
}
