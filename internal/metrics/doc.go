// Package metrics provides Prometheus metrics for the bridge.
//
// Key metrics:
//   - Browser tabs, users and live sprite links
//   - Recovery attempts and their outcomes
//   - Buffered messages, replays, expiries and rejections
//   - Router message counts by direction and outcome
//   - LLM proxy requests by provider and status
//
// Gauges for tabs, users and links are sampled by a Collector; everything
// else is updated inline by the owning component.
package metrics
