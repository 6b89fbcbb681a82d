// Package buffer provides the bounded FIFO used to hold messages while no
// deliverable channel exists.
//
// Two overflow policies are supported:
//   - Push rejects the new item when full (gateway replay buffer, explicit backpressure)
//   - PushEvict drops the oldest item to make room (client outbound queue)
//
// Items carry their enqueue time so a flush can discard anything older than
// the configured TTL.
package buffer
