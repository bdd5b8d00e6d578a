/*
Package runtime executes shell commands inside the shared sandbox
container through containerd.

One ContainerdRunner serves the whole process. It resolves the sandbox's
container handle once, under a double-checked lock, and starts a fresh
exec process per command with stdout and stderr combined. Commands are
bounded by the configured wall-clock timeout; an overrun returns whatever
output accumulated plus a [TIMEOUT] footer, and only kills the exec when
the kill-on-timeout flag is set.

Sandbox failures come back as "Error:" sentinel text instead of error
values. The executor loop feeds command output straight back to the model,
and an unreachable sandbox is just another observation for it to react to.

A command that fails with "command not found" triggers a one-shot
apt-get install of the missing tool followed by a re-run, with a
"[System] ..." prefix recording the intervention.
*/
package runtime
