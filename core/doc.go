// Package core defines the domain model shared by every alertfeed component.
//
// # Overview
//
// The core package provides:
//   - The immutable Alert record and its stable-indexed form (IndexedAlert)
//   - The closed Severity enumeration
//   - Predicate and Order, the filter vocabulary understood by every event store
//   - The error taxonomy (ErrStoreUnavailable, ErrInvalidFilter, ErrNotAuthorized, ErrPartialDelivery)
//   - A circuit breaker used by store backends to fail fast while the store is down
//
// Interfaces are declared by their consumers (storage, service, poller), not here.
package core
