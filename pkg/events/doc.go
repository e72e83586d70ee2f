/*
Package events provides an in-memory event broker for transaction
lifecycle notifications.

It distributes EventTxnPrepared/PreCommitted/Committed/Visible/Aborted
events to interested subscribers (metrics, audit logging, CLI streaming)
and exposes the synchronous before/after state-transform hooks the
transaction manager invokes on every status change (§4.9's "listener
callback" on `callback_id`). Subscriber delivery is best-effort and
non-blocking, matching the cluster event broker this is adapted from;
hooks run synchronously and in registration order since they observe a
transition rather than react to it asynchronously.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	broker.RegisterAfterHook(func(evt *events.Event) {
		metrics.TransactionsTotal.WithLabelValues(evt.ToStatus).Inc()
	})

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	go func() {
		for evt := range sub {
			log.Printf("txn %d: %s -> %s", evt.TxnID, evt.FromStatus, evt.ToStatus)
		}
	}()

	broker.FireTransition(&events.Event{
		Type: events.EventTxnCommitted, TxnID: 42, FromStatus: "PREPARE", ToStatus: "COMMITTED",
	})
*/
package events
