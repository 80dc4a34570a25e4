// Package collector pulls audit and event logs from SaaS platforms into
// append-only newline-delimited JSON files.
//
// Each configured source (GitLab SaaS, Okta, Google Workspace) is pulled
// incrementally: a per-source watermark records the latest event time already
// collected, and every cycle fetches only events after it. Records are
// flattened to a single level, tagged with their source, deduplicated against
// the destination file, and appended. The watermark is persisted only after
// the events it represents are durable, so an interruption at any point
// causes re-delivery, never loss.
//
// # Architecture
//
// The engine is split along its seams:
//
//   - pkg/connector/core defines the Source contract and hides the three
//     pagination styles (header-counted pages, continuation tokens, bounded
//     time windows) behind an opaque cursor.
//   - pkg/connector/sources/* implement the contract per provider.
//   - pkg/flatten converts nested events to flat field paths.
//   - pkg/watermark persists resume points atomically.
//   - pkg/sink appends flattened events with exact dedup.
//   - internal/puller sequences one cycle across all sources.
//
// # Quick Start
//
// Describe the sources in a YAML file and run one cycle:
//
//	collector pull --config /etc/collector/config.yaml
//
// The command is designed to be idempotent: scheduling it from cron or a
// systemd timer at any frequency yields each upstream event exactly once in
// the destination file.
package collector
