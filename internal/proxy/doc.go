// Package proxy forwards LLM API calls from sprites to upstream providers.
//
// Sprites never hold provider keys. They call the bridge at
// /v1/proxy/{provider}/{path} with a shared proxy token, and the bridge
// swaps that token for the provider key read from its own environment.
// Request bodies are capped while they stream; server-sent event responses
// are flushed chunk by chunk.
package proxy
