package normalize

import (
	"regexp"
	"strings"
	"time"
)

const slotRestoreSuffix = "_restore"

var dateSuffix = regexp.MustCompile(`_\d{8}$`)

// RestoreIdentity returns a copy of a flat source configuration renamed for
// redeployment after a soft delete. CDC sources get a fresh replication slot,
// a dated server identity and a snapshot mode that re-captures existing rows.
// Applying it twice on the same day is a no-op. Other classes are returned
// unchanged.
func RestoreIdentity(cfg map[string]string, now time.Time) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}

	rule := ruleFor(cfg[KeyConnectorClass])
	mode := rule.resyncSnapshotMode()
	if mode == "" {
		return out
	}

	if slot, ok := out[KeySlotName]; ok && slot != "" && !strings.HasSuffix(slot, slotRestoreSuffix) {
		out[KeySlotName] = slot + slotRestoreSuffix
	}

	identityKey := KeyServerName
	if _, ok := out[identityKey]; !ok {
		identityKey = KeyTopicPrefix
	}
	if id, ok := out[identityKey]; ok && id != "" && !dateSuffix.MatchString(id) {
		out[identityKey] = id + "_" + now.Format("20060102")
	}

	out[KeySnapshotMode] = mode
	return out
}

var restoredRemainder = regexp.MustCompile(`^(_restore|_\d{8})$`)

// CarryRestoredIdentity returns a copy of cfg that keeps the restored slot and
// server identity of the connector currently deployed with deployed. A field
// is carried only when the deployed value is cfg's value plus a restore
// suffix, so an edited identity still wins.
func CarryRestoredIdentity(cfg, deployed map[string]string) map[string]string {
	out := make(map[string]string, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	if deployed == nil || cfg[KeyConnectorClass] != deployed[KeyConnectorClass] {
		return out
	}
	if ruleFor(cfg[KeyConnectorClass]).resyncSnapshotMode() == "" {
		return out
	}

	for _, key := range []string{KeySlotName, KeyServerName, KeyTopicPrefix} {
		fresh, prev := out[key], deployed[key]
		if fresh == "" || !strings.HasPrefix(prev, fresh) {
			continue
		}
		if restoredRemainder.MatchString(prev[len(fresh):]) {
			out[key] = prev
		}
	}
	return out
}

// SourcePrefix returns the prefix of the topics a source configuration writes to
func SourcePrefix(cfg map[string]string) string {
	if prefix := cfg[KeyTopicPrefix]; prefix != "" {
		return prefix
	}
	return cfg[KeyServerName]
}
