/*
Package store holds the template data model and the storage backends the
engine reads from.

The engine itself only needs the Reader capability (fetch a template by id).
The full Store interface adds the write side used by the API and CLI. Three
backends are provided: MemoryStore for tests and previews, SQLiteStore backed
by database/sql, and FileStore which keeps one YAML-frontmatter document per
template on disk and can hot-reload on external edits.

Every backend hands out copies, so a template read into a processing call can
never be changed underneath it by a concurrent write.
*/
package store
