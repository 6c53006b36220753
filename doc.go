// Package conduit is an embeddable multi-tenant integration gateway.
//
// A Gateway ingests events from per-tenant sources (a polled SQL table, a
// JetStream subject, or signed HTTP pushes), matches them against the
// tenant's active integrations, and delivers them through a pipeline of
// transformation, rate limiting, signing, authentication, and HTTP send
// with retry and a dead-letter queue. Delayed, recurring, and cron-style
// work runs on supervised background workers sharing the same pipeline.
//
// Quick start:
//
//	st, err := mongo.Connect(ctx, "mongodb://localhost:27017", "conduit")
//	if err != nil {
//		log.Fatal(err)
//	}
//	gw, err := conduit.New(
//		conduit.WithStore(st),
//		conduit.WithLogger(slog.Default()),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := gw.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer gw.Stop(ctx)
//
//	gw.Send(ctx, &source.Event{
//		OrgID:     42,
//		EventType: "invoice.created",
//		Payload:   map[string]any{"id": "inv_123"},
//	})
//
// The conduitd command in cmd/conduitd wraps a Gateway in an HTTP server
// exposing the push and health endpoints.
package conduit
