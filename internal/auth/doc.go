// Package auth authenticates callers of the approval API with static bearer
// tokens. Each token carries a role (approver or viewer) that decides which
// routes it may use, and the token name is recorded as the decider of a
// confirmation.
package auth
