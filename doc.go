// Package entmap maps entities to tables through explicit declarations instead of struct tags or reflection: one key, a set of typed fields and optional children per entity type. From those declarations a Mapper derives CRUD statement text once (memoized, in :name placeholder form), produces fresh parameter sets per instance, loads instances from materialized records, and drives audit stamping and the key lifecycle. An Agent binds the :name text to a concrete dialect, executes it, and hands out transaction scopes that statements pick up from their context.

package entmap
