// Package keys composes the canonical Redis key and field names used across
// the coordination layer. Namespace is fixed at build time: every key lives
// under the Namespace prefix so multiple systems can safely share one Redis
// instance/db.
package keys

// Namespace prefixes every key this module writes. Changing it changes the
// entire key space. It is a build-time constant, not a runtime option.
const Namespace = "refhub"

// HeartbeatMap is the single shared mapping from process id to last-seen
// ISO-8601 timestamp.
func HeartbeatMap() string {
	return Namespace + "_heartbeat"
}

// Registry is the per-process mapping from resource name to the sentinel "1",
// listing every resource that process currently references.
func Registry(processID string) string {
	return Namespace + "_" + processID
}

// Reflist is the per-resource mapping from process id to last-refresh
// timestamp; its field count is the distributed reference count.
func Reflist(resource string) string {
	return Namespace + "_" + resource + ".reflist"
}

// Resource is the key holding the resource's own persisted value.
func Resource(resource string) string {
	return resource
}

// TimesModified is the monotonic modification counter for a resource.
func TimesModified(resource string) string {
	return Namespace + "_" + resource + ".times_modified"
}

// DownstreamWrite is the canonical key an Update.execute() flushes the fully
// merged document to.
func DownstreamWrite(resourceID string) string {
	return resourceID + ".write"
}

// ErrorLog is the capped Redis list mirroring a process's ERROR-level log
// records, so a crashed process's last errors survive for whoever reclaims
// its resources.
func ErrorLog(processID string) string {
	return Namespace + "_errorlog_" + processID
}
