// Package mcphost mediates between untrusted widgets and remote Model Context Protocol (MCP)
// servers. Widgets never talk to a remote server directly: they publish an operation request on
// the Dispatcher, the Mediator applies the widget's PermissionPolicy and asks for user
// confirmation when needed, and the Bridge performs the correlated JSON-RPC call and publishes
// the outcome for every interested listener.
//
// The package is organized around four collaborating components:
//
//   - Dispatcher: a named-channel publish/subscribe bus with per-subscriber delivery.
//   - Bridge: one logical connection per remote server, request correlation, error mapping
//     and terminal outcome events.
//   - Mediator: the trust and confirmation gate in front of every write-capable operation.
//   - LifecycleManager: mount, refresh and unmount of widget instances with bounded hooks.
//
// Remote servers are reached through a ClientTransport. The package ships stdio (including
// subprocess), SSE and WebSocket transports.
package mcphost
