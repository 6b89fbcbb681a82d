// Package session keeps one logical sprite session per user.
//
// A Registry tracks every authenticated browser tab by user and holds at
// most one live sprite link per user, shared by all of that user's tabs. A
// Coordinator owns recovery: when a user has tabs but no live link it wakes
// the sprite, retries the link, restarts the sprite once if the retries run
// out, and buffers browser messages until the link is back.
//
// Recovery is coalesced per user. Every caller that needs a link while an
// attempt is running joins that attempt instead of starting another, so a
// user never has two links or two concurrent connection sequences.
//
// Locking: Registry.mu guards the user map and is always taken before a
// user's own lock. Link close notifications are handled on a separate
// goroutine, which lets link writes happen while a user's lock is held.
package session
