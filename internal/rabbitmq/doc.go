// Package rabbitmq provides the RabbitMQ transport for the relay.
//
// This package includes:
//   - Broker: one connection and one confirm-mode channel shared by all queues
//   - Topology: a durable topic exchange with durable queues bound by routing key
//   - Publishing: persistent JSON messages confirmed by the broker within a timeout
//   - Consuming: per-subscription prefetch and optional rate limiting
//   - Delivery: a wrapper that refuses to acknowledge the same delivery twice
//
// A lost channel is reopened immediately. A lost connection is redialed on a
// fixed interval. Declared queues and active subscriptions are replayed on the
// new session before it replaces the old one, and Disconnect stops all of it.
package rabbitmq
