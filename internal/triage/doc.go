// Package triage provides the business boundary for Argus's alert analysis
// queue. It defines the bounded Queue (admission, duplicate suppression,
// severity-aware eviction), the Service (lifecycle transitions, async
// pipeline dispatch), the Engine (LLM orchestration), and domain models.
package triage
