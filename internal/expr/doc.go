// Package expr classifies and evaluates debugger expressions.
//
// Three dialects are supported, selected by prefix: "/nat " hands the
// expression to the backend's native evaluator, "/lua " runs it raw on
// the sandboxed script host, and "/se " (the default for unprefixed
// input) preprocesses C-style operators into script syntax first.
// Identifier lookups in script dialects resolve variables of the frame
// being evaluated before falling back to script globals, and assignments
// persist across evaluations for the life of the session.
//
// A trailing ",x"-style suffix selects a display format and is split
// off before classification.
package expr
