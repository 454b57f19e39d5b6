/*
Package events provides an in-memory event broker for the hutch controller.

The controller publishes an Event whenever a node registers or goes down
and whenever a pod is created, fails or is deleted. Subscribers receive
every event on a buffered channel; a subscriber whose buffer is full misses
events rather than slowing down the publisher.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		log.Info().Str("type", string(ev.Type)).Msg(ev.Message)
	}

Each event carries a random UUID and a timestamp. Publish fills both in when
the caller left them empty.
*/
package events
