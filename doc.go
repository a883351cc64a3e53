// Package acm is a client library for a remote key-value configuration
// control plane. Applications embed it to fetch the current value of a
// named configuration item, publish or remove items, and subscribe to
// change notifications delivered via a long-poll protocol.
package acm
