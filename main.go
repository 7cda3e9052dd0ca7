// Command judex follows the event streams of long-running video evaluation
// jobs and keeps a local view model in sync with them.
//
// Architecture overview:
//   - Event loop: internal/loop runs every piece of engine state on one
//     goroutine. Transport goroutines only post frames and errors to it.
//   - Sessions: internal/session.Manager keeps one session per job keyed
//     "stream-<job_id>", parses frames, resolves the target entity through
//     internal/bridge, and estimates a percentage from internal/stage.
//   - Coalescing: internal/progress.Coalescer merges patches per entity and
//     flushes them once per window to the configured sinks (the entity store,
//     Prometheus, and optionally the log).
//   - Recovery: dropped streams are reopened after 2s, 4s and 6s; after the
//     last retry the session is removed and an outcome is published through
//     internal/notify (Pub/Sub when configured).
//   - Storage: the view model lives in memory or, with database.dsn set, in a
//     Postgres table holding one snapshot row per entity.
//
// Quick checklist:
//   - Configure env vars: JUDEX_STREAM_BASE_URL, JUDEX_STREAM_TRANSPORT,
//     JUDEX_SERVER_PORT, JUDEX_DATABASE_DSN, JUDEX_PUBSUB_PROJECT_ID and
//     JUDEX_PUBSUB_TOPIC_NAME.
//   - Run the daemon: go run . serve --config config.yaml
//   - Follow one job: go run . watch --job <job_id> --entity <entity_id>
package main

import "github.com/jmpumuro/judex/cmd"

func main() {
	cmd.Execute()
}
