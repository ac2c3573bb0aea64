// Package control implements the MoQT control-plane messages: the type
// registry, the per-message field layouts, the `type | length | payload`
// framing that every message rides on, and the two historical dialects
// (legacy role-based SETUP/ANNOUNCE vs the current typed-parameter
// SETUP/PublishNamespace) selectable by negotiated version.
package control
