// Package realtime provides the Redis-backed transport used by every live
// collaboration feature of demandhub.
//
// # Overview
//
// The transport offers three primitives over named channels:
//
//   - Broadcast: fire-and-forget envelopes (typing signals) that are never
//     persisted.
//   - Presence: track/untrack of the local session on a topic, with the full
//     roster pushed to every subscriber as a presence-sync envelope.
//   - Row changes: INSERT/UPDATE/DELETE notifications for a named table,
//     published by the store after every acknowledged write.
//
// # Multi-Instance Support
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several demandhub instances can share one Redis server without cross-talk.
// Each logical subscription (one record, one team) uses its own topic, so
// listeners on different resources never see each other's traffic.
//
// # Redis Schema
//
// All Redis keys follow the pattern: demandhub:{instance_name}:{entity}:{id}
//
// Demands: demandhub:{instance_name}:demand:{demand_id}
// Team index: demandhub:{instance_name}:team:{team_id}:demands
// Presence roster: demandhub:{instance_name}:presence:{topic}
//
// Pub/Sub channels:
//
// Topic envelopes: demandhub:{instance_name}:topic:{topic}
// Row changes: demandhub:{instance_name}:table:{table}
//
// # Delivery
//
// Redis Pub/Sub is at-most-once. Envelopes are validated when decoded; a
// malformed payload is reported on the subscription's error channel and never
// reaches consumers. Ordering is preserved per channel only.
package realtime
