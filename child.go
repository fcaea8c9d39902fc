package entmap

import "context"

// ChildLoad populates one child collection of parent. parentKey carries the
// persisted key value of the parent row.
type ChildLoad[T any] func(ctx context.Context, a *Agent, parent *T, parentKey any) error

// ChildSave persists one child collection of parent. userID and the scope
// arguments are forwarded from the parent save so children stamp and filter
// the same way.
type ChildSave[T any] func(ctx context.Context, a *Agent, parent *T, parentKey any, userID string, scope *int, scopeFlags bool) error

type childMap[T any] struct {
	load ChildLoad[T]
	save ChildSave[T]
}

// Children declares a dependent collection handled around the parent's own
// statements. Load and save run in declaration order across all Children
// declarations of a mapping, and the first failure aborts the sequence.
// Either function may be nil when the relation only travels one way.
func Children[T any](load ChildLoad[T], save ChildSave[T]) Decl[T] {
	return &childMap[T]{load: load, save: save}
}

func (c *childMap[T]) decl(*T) {}

func (c *childMap[T]) check() error {
	if c.load == nil && c.save == nil {
		return ErrBadDecl
	}
	return nil
}
