// Package orchestra is a multi-agent orchestration core: given a
// declarative playbook (a DAG of steps referencing agents, tools, and
// data), it selects concrete worker agents from a dynamic pool, drives
// them through one of several coordination strategies, manages the
// shared execution state with checkpointing and recovery, and streams
// progress to observers.
//
// The three interlocking pieces are:
//
//   - pool + matcher: the live agent registry and the pure capability
//     matcher that ranks candidates against a step's requirement.
//   - coordinator: executes a coordination strategy (parallel,
//     sequential, pipeline, scatter-gather, consensus, hierarchical,
//     adaptive) over the matched candidates.
//   - statemanager + monitor: owns the authoritative execution state,
//     writes durable checkpoints, and publishes metrics/alerts/health
//     scores that feed back into the coordinator's adaptive strategy.
//
// engine composes all of the above behind a single start/status/pause/
// resume/cancel/subscribe façade; that is the entry point external
// surfaces (CLI, HTTP, CI/CD adapters) are expected to use.
package orchestra
