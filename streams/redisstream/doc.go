// Package redisstream is a streams.Manager for a fleet of server instances
// sharing one Redis.
//
// Each instance wraps a localstream.Manager for the sinks it holds. Creating
// a stream additionally
//   - writes a liveness key "available:<prefix><id>" with a short TTL that a
//     heartbeat refreshes while the sink stays attached, and
//   - subscribes the instance to the channel "<prefix>stream:<id>".
//
// Send never writes to a local sink directly. It publishes one envelope per
// target id (or one broadcast envelope) and every instance, the sender
// included, delivers from its subscription loop. A crashed instance simply
// stops heartbeating and its liveness keys expire.
//
// Delivery is at-least-once from the caller's point of view and there is no
// ordering guarantee across instances. Publishes for a single Send are issued
// in call order, and one subscription connection preserves that order.
package redisstream
