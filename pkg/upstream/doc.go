// Package upstream drives one logical chat request against the vendor
// backend: credential acquisition, request construction from the harvested
// template, dispatch over a per-request isolated transport, the bounded
// retry-on-auth-failure loop, and stream forwarding through the pipeline in
// pkg/stream.
package upstream
