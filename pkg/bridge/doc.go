// Copyright 2024-2026 Aiku AI

// Package bridge implements the message-relay engine that connects chat
// platforms in a many-to-many channel mapping.
//
// Platform adapters normalize their native events into [Envelope] values and
// feed them to the [Router], which resolves targets through the [Mapping],
// filters denied senders with the [Blocklist], fans deliveries out to the
// other endpoints of the bridge, and records the resulting copies in a
// [LinkStore] so later edits and deletes can be correlated back to them.
//
// # Core Types
//
// [Router] is the orchestration core. It owns the per-chat event queues, the
// [LinkStore], and the [IdentityCache]; no other component mutates those.
//
// [Adapter] is the capability surface a platform must provide: a lifecycle,
// outbound send/edit/delete, and its media limits. Adapters whose webhook
// delivery requires rewriting the webhook's stored identity additionally
// implement [WebhookIdentityManager].
//
// [MediaRelay] streams attachments from the source platform to targets,
// enforcing per-target size and type limits and substituting a textual
// placeholder for anything that cannot be carried over.
//
// # Echo Prevention
//
// A message relayed by this process onto a platform must never be re-ingested
// and relayed again. Adapters drop events they can recognize as their own
// (webhook authorship, own bot user) at normalization time, and the router
// independently rejects any envelope whose sender matches a known bridge-bot
// identity on the source platform. Both layers are required.
package bridge
