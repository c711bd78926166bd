/*
Package events is ZERG's in-process pub/sub bus for domain events.

It broadcasts the fixed event vocabulary (rush_started, worker_started,
worker_ready, level_started, task_complete, level_complete, merge_complete,
level_paused, worker_crash, rush_stopped, rush_failed, auto_respawn,
auto_respawn_exhausted, stale_tasks_detected, resumed, loop_completed) to
any number of live subscribers — the status CLI, `zerg logs --follow`, the
metrics collector — without blocking the publisher.

Durability is deliberately not this package's job: pkg/store appends every
event to the feature's append-only log on disk. A Broker is typically
constructed with that append function as its Sink so a call to Emit both
persists and broadcasts in one step.

# Non-blocking publish

Emit never blocks on a slow subscriber: each subscriber has its own
buffered channel, and a full buffer causes that subscriber (and only that
subscriber) to miss the event. This mirrors the orchestrator's own
tolerance for a slow consumer — live status-watching should never be able
to stall task scheduling.
*/
package events
