/*
Package templating turns a stored template plus a variable bag into final text.

A template mixes literal text with four kinds of directive:

	{{name}}  {{name || "default" | upper}}      variables with defaults and filters
	{{#each items as item}}...{{/each}}         loops with @index, @first, @last, @length
	{{include:header:title="A, B",count=3}}     inclusion of other stored templates
	<% code %>  <%# comment %>                  sandboxed scripts and comments

The Processor runs the pipeline: comments are stripped, loops expanded,
includes resolved (each included template goes through the whole pipeline
again with the merged variables), then variables substituted and scripts
evaluated by package sandbox. The pipeline repeats while its output still
contains directives, up to a configured number of passes.

Every unbounded-looking operation is capped by Config: loop iterations,
include depth, total includes and passes. Structural errors are always fatal;
missing variables, missing includes and script failures are fatal only in
strict mode and otherwise stay in the output verbatim with a Diagnostic.
*/
package templating
