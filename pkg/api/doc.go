// Package api defines the wire types for the OpenAI-compatible
// Chat Completions surface exposed by the sitzung gateway, the
// StreamFrame union produced by the request orchestrator, and the
// typed errors shared across packages.
//
// The types here are deliberately transport-agnostic: the HTTP
// adapter serializes frames as SSE, but nothing in this package
// depends on net/http.
package api
