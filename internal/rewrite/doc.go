/*
Package rewrite implements the streaming, bidirectional URL rewriting used by the gateway.

A RuleSet holds an ordered list of literal byte rules. Applying a RuleSet to a body means
one left-to-right pass that replaces every non-overlapping occurrence of a rule's "from"
bytes with its "to" bytes. At every position the rules are tried in declaration order and
the first one that matches wins.

The Reader and Writer types apply a RuleSet to a stream without buffering the body. Input
arrives in chunks of arbitrary size; a match may straddle any number of chunk boundaries.
When the end of a chunk could still be the beginning of a match, those bytes are held back
in a small carry buffer until the next chunk decides them. The concatenated output is
always identical to rewriting the whole body at once.

The longest common prefix of all "from" values (the base prefix, normally the origin
of the URLs) is used to skip quickly over data where no rule can start. When the rules
share no prefix, a table of their first bytes is used instead.
*/
package rewrite
