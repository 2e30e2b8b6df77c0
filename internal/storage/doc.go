package storage

// Package storage is the durable schedule store.
//
// It persists:
//   - One reminder schedule per patient (upsert semantics)
//   - Follow-up appointment reminders and their per-offset sent marks
//   - Per-day dispatch cursors (sent/missed/attempts per fire-time)
//   - A dispatch audit trail
//
// Two drivers implement the same Store interface: "sqlite" (default) and
// "file" (dependency-free JSON snapshot + JSONL audit).
