/*
Package worker implements the scheduled delivery loop.

Each cycle claims a batch of ready tasks and processes them with bounded
concurrency. A task is ready when it is PENDING and due, FAILED_RETRYING
past its backoff, or EXECUTING past the orphan threshold; the last case is
orphan recovery, and reclaiming is just claiming with a staleness
predicate.

Correctness across workers rests on the claim being a single conditional
update: between any two workers exactly one sees rows affected, the other
treats the race as a no-op. Progress on the owning order is likewise an
atomic increment, so concurrent completions of sibling tasks compose in
any commit order.

A cycle never starts while the previous one is still running; the tick is
dropped. An executor failure never aborts the cycle; it is mapped to a
transient or permanent task outcome and the remaining tasks proceed.
*/
package worker
