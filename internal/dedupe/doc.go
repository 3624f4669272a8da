// Package dedupe provides a size-bounded TTL cache used to make job creation
// idempotent: the first request with a given key stores the id of the job it
// creates, and repeats within the window get that id back.
package dedupe
