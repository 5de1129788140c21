/*
Package events provides an in-memory event broker for lobsterd's
scheduler notifications.

The events package implements a lightweight pub/sub bus for broadcasting
suspend/resume lifecycle events from the watchdog (pkg/scheduler) to
interested subscribers. It supports non-blocking, buffered delivery so a
slow consumer never stalls the scheduler's timer loops.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - All events broadcast (no topics)         │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  suspend-start, suspend-complete,           │          │
	│  │  suspend-failed, resume-start,              │          │
	│  │  resume-complete, resume-failed             │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  CLI/TUI: watch-mode status updates         │          │
	│  │  Metrics: suspend/resume counters           │          │
	│  │  Audit log: persistent record of churn      │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - Type: one of the six suspend/resume lifecycle kinds
  - Timestamp: when the scheduler raised it
  - Tenant: the tenant name the event concerns
  - Trigger: "traffic", "cron", "idle", or "" for an operator-initiated call
  - VMPid, NextWakeAtMs, Error: populated depending on Type

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

# Event Flow

Publish Flow:
 1. Scheduler calls broker.Publish(event)
 2. Event added to main event channel (non-blocking)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers drop their oldest event (no blocking)

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. New buffered channel created
 3. Channel registered in subscriber map
 4. Subscriber channel returned
 5. Subscriber receives events via channel
 6. Subscriber processes events in own goroutine

Unsubscribe Flow:
 1. Subscriber calls broker.Unsubscribe(channel)
 2. Channel removed from subscriber map
 3. Channel closed
 4. Subscriber stops receiving events

# Usage

Creating and Starting Broker:

	import "github.com/lobsterd/lobsterd/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing to Events:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("%s: %s (trigger=%s)\n", event.Type, event.Tenant, event.Trigger)
		}
	}()

Publishing Events:

	broker.Publish(&events.Event{
		Type:    events.EventSuspendStart,
		Tenant:  "alice",
		Trigger: "idle",
	})

# Integration Points

This package integrates with:

  - pkg/scheduler: publishes suspend/resume lifecycle events from its three timer loops
  - pkg/metrics: subscribes to update suspend/resume counters
  - cmd/lobsterd: subscribes for `watch`'s live status output

# Event Types Catalog

EventSuspendStart:
  - Published when: the watchdog begins suspending a tenant
  - Fields: tenant, trigger

EventSuspendComplete:
  - Published when: suspend finished, status is now "suspended"
  - Fields: tenant, trigger, nextWakeAtMs

EventSuspendFailed:
  - Published when: suspend aborted partway through
  - Fields: tenant, trigger, error

EventResumeStart:
  - Published when: the watchdog begins resuming a tenant
  - Fields: tenant, trigger

EventResumeComplete:
  - Published when: resume finished, status is now "active"
  - Fields: tenant, trigger, vmPid

EventResumeFailed:
  - Published when: resume aborted partway through
  - Fields: tenant, trigger, error

# Design Patterns

Non-Blocking Publish:
  - Publish sends to buffered channel
  - Returns immediately (no waiting)
  - Events may be dropped if buffer full
  - Trade-off: scheduler throughput over guaranteed delivery

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets its own channel
  - Full buffers drop their oldest event to prevent blocking the broadcast loop

# Limitations

Current Limitations:
  - In-memory only (no persistence)
  - No event replay or history
  - No guaranteed delivery (best effort)
  - No topic-based filtering (all events broadcast)

Workarounds:
  - Persistence: subscribe and append to a log sink
  - History: keep a ring buffer at the subscriber

# Best Practices

Do:
  - Always defer broker.Unsubscribe(sub)
  - Process events asynchronously in a goroutine
  - Start broker before publishing events

Don't:
  - Block in a subscriber's event loop
  - Publish events before broker.Start()
  - Rely on event delivery for correctness; the registry is authoritative
*/
package events
