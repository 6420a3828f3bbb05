// Package metrics defines and registers the Prometheus collectors the
// runtime publishes: object-store buffering and flush counts, staging
// disk usage, per-step duration, and uploader batch/retry/shrink
// counters. Collectors are package-level vars registered at init time
// and exposed for scraping via Handler. The object-store collectors
// (ObjectsBuffered, ObjectsFlushedTotal, FlushesTotal) and
// UploadRetriesTotal are registered but not updated by any package.
package metrics
