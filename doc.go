/*
Package requeue implements a durable queue of outgoing requests that
could not be sent, replaying them later in the order they were queued.

Requests are captured (method, URL, headers, body and metadata) and written
to a store.Store before PushIntoQueue returns, so they survive restarts. A
replay pass sends every pending request once through a transport.Transport:
successes are removed, failures stay queued for the next pass and are
reported together in a *ReplayError. Entries older than the queue's maximum
retention time are dropped by CleanupQueue.

When to replay is decided by a trigger.Trigger (an interval, a NATS subject)
registered with RegisterTrigger, or by calling ReplayRequests directly.

	q, err := requeue.New(ctx,
		requeue.QueueName("orders"),
		requeue.WithStore(st),
		requeue.WithCallbacks(requeue.Callbacks{
			OnRetryFail: func(cfg protocol.EntryConfig, err error) { ... },
		}),
	)
	...
	if err := q.PushIntoQueue(ctx, req, nil); err != nil { ... }
	...
	err = q.ReplayRequests(ctx)
*/
package requeue
