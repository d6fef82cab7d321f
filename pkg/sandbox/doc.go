/*
Package sandbox evaluates the script fragments embedded in templates.

A fragment is either an expression, whose value is returned, or a small
statement block (declarations, assignments, if/else and return). Expressions
are compiled and run by expr-lang/expr against an environment that contains
only the caller's variables and a fixed helper library, so there is no path
from a script to the process, file system, network or module loader.

Before anything runs, the source is scanned for constructs that try to escape
the sandbox. A match is reported as a Violation and nothing is executed.
Ordinary failures, such as an unknown helper or a type mismatch, are reported
as Runtime errors so callers can decide whether to degrade gracefully.
*/
package sandbox
