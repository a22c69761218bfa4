// Package messaging provides the reliable delivery pipeline of the relay.
//
// This package implements:
//   - Queue: a named queue with routing keys and a declared message type
//   - Registry: explicit, name-keyed set of queues declared at startup
//   - Dequeuer: decode, validate and handle each delivery, then ack, nack or retry it
//   - RetryManager: retry limit and backoff before handing a message to a delayer
//   - InMemoryRetryDelayer: process timers, originals held unacknowledged until due
//   - RedisRetryDelayer: durable retries in a Redis sorted set scored by due time
//   - RepublishTask: periodically moves due Redis retries back onto their queues
//
// Every delivery ends in exactly one acknowledgement: handlers return a
// contracts.Result and the Dequeuer settles the delivery from it. A panic in a
// handler is treated as a fatal result.
//
// Example usage:
//
//	broker := rabbitmq.NewBroker(url)
//	_ = broker.Connect(ctx)
//
//	registry := messaging.NewRegistry(broker)
//	queue := registry.MustDeclare(messaging.QueueSpec{
//		TypeName: "CustomerIoWebhookQueue",
//		Routes:   []string{"webhooks.customerio.*"},
//	})
//	_ = registry.CreateAll(ctx)
//
//	rm := messaging.NewRetryManager(
//		messaging.WithRetryDelayer(messaging.NewRedisRetryDelayer(rdb)))
//
//	_, err := queue.Subscribe(ctx, func(ctx context.Context, msg *contracts.Message) contracts.Result {
//		if err := deliver(ctx, msg.Data); err != nil {
//			return contracts.RetryAfter(err)
//		}
//		return contracts.Success(true)
//	}, messaging.WithRetryManager(rm), messaging.WithPrefetch(20))
package messaging
