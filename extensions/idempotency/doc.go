// Package idempotency deduplicates settlement attempts so client retries
// during the confirmation window cannot double-spend an authorization.
//
// Clients attach a key under payload.extensions["idempotency"]; resource
// servers validate it with the service extension; facilitators wrap their
// settlement path with Wrap so repeated settle calls for the same payment
// return the first receipt instead of submitting a second transaction.
package idempotency
