package hub

// AnimalKey returns the channel key for per-animal sensor/session events.
func AnimalKey(animalID string) string { return "animal:" + animalID }

// SystemKey returns the channel key for a named system-wide channel (e.g.
// "anomalies", "training"), per spec.md §4.C9's two-keyspace design.
func SystemKey(name string) string { return "system:" + name }
