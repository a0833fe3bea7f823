// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams, one consumer group per subscription
//   - memory: in-process, ordered per subscription
package events
