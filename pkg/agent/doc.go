// Package agent implements the pid1d protocol: a line-delimited JSON
// request/response exchange between the host and the supervisor agent
// running inside a guest.
//
// The host side (Session) serialises callers onto one in-flight request
// at a time, so responses arrive in issue order. The guest side
// (Server) reads requests from stdin, dispatches them, and writes one
// response line per request to stdout.
package agent
