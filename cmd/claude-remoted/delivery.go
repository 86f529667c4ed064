package main

import (
	"context"
	"log"

	"github.com/cmericli/claude-remote/internal/notify"
	"github.com/cmericli/claude-remote/internal/store"
)

// logOnlyDeliveryPort is the default DeliveryPort wired at startup: it
// just logs the notification. spec.md §4.8 deliberately keeps the
// push protocol out of the core ("the core does not speak any
// particular push protocol") — a real deployment swaps this for a Web
// Push or APNs client without touching internal/notify.
type logOnlyDeliveryPort struct{}

func (logOnlyDeliveryPort) Deliver(_ context.Context, sub store.PushSubscription, payload notify.Payload) notify.DeliveryStatus {
	log.Printf("[notify] needs_input session=%s slug=%s idle=%ds -> %s", payload.SessionID, payload.Slug, payload.IdleSeconds, sub.Endpoint)
	return notify.DeliveryOK
}
