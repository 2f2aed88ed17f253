// Package weeabot implements a Discord bot whose privileged commands can be
// proposed by unprivileged members and approved by moderators.
//
// When a member invokes a command that requires more authority than they
// hold, the invocation is stored as a [Request] and a status message is
// posted to the guild's requests channel. Guild managers and the bot
// operator approve the request by reacting with a thumbs-up, or deny it
// with a thumbs-down. Once enough authority has accumulated, the original
// message is dispatched again and the command body runs exactly once.
//
// Key components of the package include:
//
//   - Weeabot: The main struct that wires everything together.
//   - PermissionResolver: Maps a caller and their channel permissions to a
//     [PermissionLevel].
//   - RequestStore: Durable storage for pending requests, enforcing the
//     per-user, per-guild and global limits.
//   - Engine: The gate installed on elevated commands, and the reaction
//     handling that raises, approves and rejects requests.
//   - Gateway: Posts and updates status messages and notifications.
//   - Dispatcher: A prefix command dispatcher with pre-run checks.
//   - API: A backend API for bot management.
//
// Guild managers control the subsystem with the enable_requests and
// disable_requests commands, and act on pending requests with the request
// command (list, accept, reject, clear).
package weeabot
