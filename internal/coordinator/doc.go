// Package coordinator keeps a fleet of CDC engines running so that every
// configured task has exactly one engine consuming its change stream, and
// moves tasks to surviving nodes when their owner dies.
//
// # Overview
//
// Nodes never talk to each other. All cluster state lives in a shared
// key-value store with per-key expiry (Redis, or the bundled RESP server),
// and each node acts on what it reads there. A task is owned by whichever
// node holds its lease key; the lease is created with a conditional write,
// so at most one node can hold it at a time.
//
// # Architecture
//
//	┌───────────────────────────────────────────┐
//	│               COORDINATOR                 │
//	├───────────────────────────────────────────┤
//	│  Start / Stop / Restart / Delete / Status │
//	│                                           │
//	│  ┌─────────────┐   ┌──────────────────┐   │
//	│  │ LockManager │   │ HeartbeatPublisher│  │
//	│  │ task leases │   │ node liveness     │  │
//	│  └─────────────┘   └──────────────────┘   │
//	│  ┌─────────────┐   ┌──────────────────┐   │
//	│  │  Registry   │   │  StatsRecorder   │   │
//	│  │ config,     │   │ per-task event   │   │
//	│  │ status,     │   │ counters         │   │
//	│  │ assignment  │   └──────────────────┘   │
//	│  └─────────────┘                          │
//	│  ┌─────────────┐   ┌──────────────────┐   │
//	│  │   Runner    │   │  OrphanDetector  │   │
//	│  │ local engine│   │ takeover of dead │   │
//	│  │ handles     │   │ owners' tasks    │   │
//	│  └─────────────┘   └──────────────────┘   │
//	│            Scheduler (cron)               │
//	└───────────────────────────────────────────┘
//
// # Store Layout
//
// Keys share a configurable prefix (default "cdc"):
//
//	<p>:task:config:<task>        JSON task configuration
//	<p>:task:status:<task>        JSON status, written by the owner
//	<p>:task:assignment:<task>    owning node id
//	<p>:lock:task:<task>          lease "<node>:<millis>", expires after lock TTL
//	<p>:node:heartbeat:<node>     JSON heartbeat, expires after heartbeat TTL
//	<p>:statistics:<task>         JSON event counters
//	<p>:cluster:tasks             set of task ids
//	<p>:cluster:nodes             set of node ids that ever published a heartbeat
//
// # Lifecycle
//
// Start saves the configuration, then tries to create the lease. The winner
// launches the engine, marks the task RUNNING and records itself as the
// assignee. Losers return the current owner and do nothing else. Starting a
// task on the node that already holds its lease relaunches the engine with
// the submitted configuration.
//
// Every heartbeat tick the node republishes its heartbeat and renews the
// lease of each local task:
//
//   - lease held here: its TTL is refreshed, unless another node took it
//     after it was read
//   - lease held elsewhere: the local engine is dropped
//   - lease gone and the task still assigned here: the lease is taken again
//   - lease gone and the task no longer assigned here: it was stopped on
//     another node, so the local engine is stopped too
//
// # Failover
//
// The orphan detector scans every task on its own period. An assigned task
// whose owner has no fresh heartbeat is claimed through the same lease
// creation, so when several nodes notice the same dead owner only one of
// them starts the engine.
//
// Timing must satisfy lockTTL == heartbeatTTL <= detectorPeriod/2 and
// heartbeatInterval < heartbeatTTL. New rejects anything else.
//
// # Engine Failures
//
// An engine that returns without being asked to stop marks its task ERROR
// and releases the lease. With RecoverFailed set, the detector treats such a
// task as a candidate and restarts it on whichever node claims it first.
package coordinator
