// Package session implements one MoQT session per transport connection:
// the SETUP handshake, the request-ID allocator, the control-stream
// dispatcher that routes response messages back to their awaiters and
// request messages onto an application event channel, and the session
// lifecycle state machine.
package session
