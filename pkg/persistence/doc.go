// Package persistence provides runtime state persistence for the client.
//
// This package handles the JSON serialization of state that must survive
// restarts but does not belong to a credential record: the default trust
// anchor and per-anchor renewal failure counters. Credentials themselves
// are stored by the credential package's FileStore.
package persistence
