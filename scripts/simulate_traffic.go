package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/pkg/sdk"
)

// Sends a handful of realistic envelopes at a running switchboard so a
// developer can watch triage, classification, and routing end to end.
func main() {
	url := flag.String("url", "http://localhost:8700", "switchboard base URL")
	flag.Parse()

	client := sdk.NewClient(sdk.Config{BaseURL: *url})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println("📨 Simulating inbound traffic...")

	samples := []struct {
		channel, provider, sender, thread, text string
	}{
		{envelope.ChannelEmail, envelope.ProviderGmail, "alice@example.com", "thread-groceries-1",
			"Can you add oat milk and coffee beans to the shopping list for this weekend?"},
		{envelope.ChannelTelegram, envelope.ProviderTelegram, "tg:77251", "",
			"Remind me every weekday at 8am to review my calendar."},
		{envelope.ChannelEmail, envelope.ProviderGmail, "noreply@airline.example", "thread-trip-42",
			"Your flight AB1234 on Sep 3 has been rescheduled to 14:20. Updated itinerary attached."},
		{envelope.ChannelTelegram, envelope.ProviderTelegram, "tg:77251", "",
			"What's on my plate today and did the plumber ever reply?"},
	}

	for i, s := range samples {
		env := &envelope.Envelope{
			SchemaVersion: envelope.SchemaVersion,
			Source: envelope.Source{
				Channel:          s.channel,
				Provider:         s.provider,
				EndpointIdentity: "sim-" + s.channel,
			},
			Sender: envelope.Sender{Identity: s.sender},
			Event: envelope.Event{
				ExternalEventID:  fmt.Sprintf("sim-%s-%03d", uuid.New().String()[:8], i),
				ExternalThreadID: s.thread,
				ObservedAt:       time.Now().UTC(),
			},
			Payload: envelope.Payload{
				NormalizedText: s.text,
				Raw:            map[string]interface{}{"text": s.text, "sender": s.sender},
			},
		}

		result, err := client.Ingest(ctx, env)
		if err != nil {
			log.Fatalf("❌ ingest failed: %v", err)
		}
		fmt.Printf("✅ %s accepted as %s (duplicate=%v)\n", s.channel, result.RequestID, result.Duplicate)

		// Replay the first envelope verbatim to show dedupe in action.
		if i == 0 {
			dup, err := client.Ingest(ctx, env)
			if err != nil {
				log.Fatalf("❌ duplicate ingest failed: %v", err)
			}
			fmt.Printf("↪️ replayed first envelope: request=%s duplicate=%v\n", dup.RequestID, dup.Duplicate)
		}
	}

	fmt.Println("📊 Done. Watch /events on the switchboard for routing activity.")
}
