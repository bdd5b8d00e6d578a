/*
Package agent implements the executor loop that drives one leaf node.

The loop alternates between asking the model for its next shell command and
running that command in the sandbox, feeding the output back as the next
user message. The model terminates with "DONE: summary" on success or
"IMPOSSIBLE: reason" on refusal; anything else that is not pure comments
is executed.

Three kill-switches bound a stuck model: an iteration budget, a
consecutive comment-only threshold (the loop stops and returns the partial
transcript), and a consecutive empty-output threshold (the loop nudges the
model that it may terminate). Each firing is recorded in the kill-switch
counters.
*/
package agent
