/*
Package events provides an in-memory event broker for dispatcher lifecycle
notifications.

The broker broadcasts job admission, container lifecycle, and attestation
outcomes to any interested subscriber. It supports non-blocking publish with
buffered per-subscriber channels, matching the dispatcher's own pattern of
never letting a slow consumer stall the admission or router hot path.

# Usage

Creating and starting a broker:

	import "github.com/autobb888/vap-dispatcher/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("event: %s job=%s %s\n", event.Type, event.JobID, event.Message)
		}
	}()

Publishing:

	broker.Publish(&events.Event{
		Type:    events.EventContainerReady,
		JobID:   job.ID,
		Message: "sandbox reached ready",
	})
*/
package events
