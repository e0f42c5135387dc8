// Package ledger persists subscriber state: who joined the sequence, where
// they stopped, and whether they paid or left.
package ledger
