package redis

const keyPrefix = "knoxpro:"

// Run keys.
func runKey(id string) string { return keyPrefix + "run:" + id }
func runIDsKey() string       { return keyPrefix + "runs" }

// Log keys. Each run has its own append-only list.
func logsKey(runID string) string { return keyPrefix + "logs:" + runID }

// Template keys.
func templateKey(id string) string { return keyPrefix + "template:" + id }
func templateIDsKey() string       { return keyPrefix + "templates" }

// Trigger state keys.
func triggerKey(templateID string) string { return keyPrefix + "trigger:" + templateID }
