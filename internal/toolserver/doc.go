// Package toolserver manages external tool servers: subprocesses that expose
// callable tools over newline-delimited JSON-RPC 2.0 on their standard
// streams.
//
// A Registry owns one Connection per configured server. Each Connection
// spawns its process, drives the initialize → notifications/initialized →
// tools/list handshake, and then multiplexes concurrent tool calls over the
// process's stdin/stdout, correlating responses to callers by request id.
// Tool names are exposed namespaced as "<server>__<tool>" so identically
// named tools on different servers never collide.
package toolserver
