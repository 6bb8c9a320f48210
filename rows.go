package pgleaseguard

import "github.com/pgleaseguard/pgleaseguard/internal/session"

// Rows is the result of a Query call.
type Rows = session.Rows

// CommandTag reports how many rows a non-SELECT statement affected.
type CommandTag = session.CommandTag
