// Package rrd decodes the hypervisor's rrd_updates feed: the xport XML
// document returned by `GET /rrd_updates?start=...&host=true` and the compact
// per-column legend tokens inside it.
//
// Everything in this package is pure: bytes in, typed values out, no I/O.
package rrd

import (
	"fmt"
	"strings"

	"github.com/xtxerr/xenfeed/internal/errors"
)

// =============================================================================
// Consolidation Function
// =============================================================================

// Consolidation is the aggregation method the hypervisor applied when
// downsampling raw samples into the feed's step interval.
type Consolidation int

const (
	ConsolidationAverage Consolidation = iota
	ConsolidationMin
	ConsolidationMax
	ConsolidationLast
)

// String returns the canonical (uppercase) name used in legend tokens.
func (c Consolidation) String() string {
	switch c {
	case ConsolidationAverage:
		return "AVERAGE"
	case ConsolidationMin:
		return "MIN"
	case ConsolidationMax:
		return "MAX"
	case ConsolidationLast:
		return "LAST"
	default:
		return "UNKNOWN"
	}
}

// ParseConsolidation parses a consolidation function name, case-insensitively.
func ParseConsolidation(s string) (Consolidation, error) {
	switch strings.ToUpper(s) {
	case "AVERAGE":
		return ConsolidationAverage, nil
	case "MIN":
		return ConsolidationMin, nil
	case "MAX":
		return ConsolidationMax, nil
	case "LAST":
		return ConsolidationLast, nil
	default:
		return 0, errors.Wrapf(errors.ErrMalformedLegend, "unknown consolidation function %q", s)
	}
}

// =============================================================================
// Entity Kind
// =============================================================================

// EntityKind identifies what a column measures: the hypervisor host itself or
// one of the virtual machines running on it. The control domain counts as a VM.
type EntityKind int

const (
	EntityHost EntityKind = iota
	EntityVM
)

// String returns the canonical (lowercase) name used in legend tokens.
func (k EntityKind) String() string {
	switch k {
	case EntityHost:
		return "host"
	case EntityVM:
		return "vm"
	default:
		return "unknown"
	}
}

// ParseEntityKind parses an entity kind, case-insensitively.
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(s) {
	case "host":
		return EntityHost, nil
	case "vm":
		return EntityVM, nil
	default:
		return 0, errors.Wrapf(errors.ErrMalformedLegend, "unknown entity kind %q", s)
	}
}

// =============================================================================
// Legend Entry
// =============================================================================

// LegendEntry is one column's identity, decoded from a single legend token.
// Column position in the feed maps 1:1 and by stable order to a LegendEntry.
// A LegendEntry is immutable once decoded.
type LegendEntry struct {
	Consolidation Consolidation
	Kind          EntityKind

	// EntityID is the opaque UUID naming the host or VM. Case-sensitive.
	EntityID string

	// Metric identifies the counter (e.g. "cpu", "vif_tx", "memory_free_kib").
	// Unknown-but-well-formed names are passed through verbatim so that newer
	// hypervisor versions with additional counters keep working.
	Metric string

	// Instance is the optional sub-index when a metric is per-device (a
	// specific virtual NIC, block device, or CPU), else empty.
	Instance string
}

// ParseLegend decodes a raw legend token of the form
//
//	<CONSOLIDATION>:<KIND>:<ENTITY-UUID>:<METRIC>
//
// into a LegendEntry. The enum fields are case-insensitive, the UUID is
// case-sensitive. Per-device counter names (vif_N_rx, vbd_xvda_write,
// pif_eth0_tx, cpuN) are split into a metric name and a device instance.
func ParseLegend(token string) (LegendEntry, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return LegendEntry{}, errors.Wrapf(errors.ErrMalformedLegend,
			"token %q: want 4 colon-delimited fields, got %d", token, len(parts))
	}

	cf, err := ParseConsolidation(parts[0])
	if err != nil {
		return LegendEntry{}, err
	}

	kind, err := ParseEntityKind(parts[1])
	if err != nil {
		return LegendEntry{}, err
	}

	uuid := parts[2]
	if uuid == "" {
		return LegendEntry{}, errors.Wrapf(errors.ErrMalformedLegend, "token %q: empty entity id", token)
	}

	if parts[3] == "" {
		return LegendEntry{}, errors.Wrapf(errors.ErrMalformedLegend, "token %q: empty metric name", token)
	}

	metric, instance := splitMetricInstance(parts[3])

	return LegendEntry{
		Consolidation: cf,
		Kind:          kind,
		EntityID:      uuid,
		Metric:        metric,
		Instance:      instance,
	}, nil
}

// Token re-encodes the entry into legend token form. ParseLegend(e.Token())
// reproduces e for all instance forms this package knows how to split.
func (e LegendEntry) Token() string {
	return e.Consolidation.String() + ":" + e.Kind.String() + ":" + e.EntityID + ":" + e.rawMetric()
}

// String returns a human-readable identity, used in logs.
func (e LegendEntry) String() string {
	if e.Instance == "" {
		return fmt.Sprintf("%s/%s/%s", e.Kind, e.EntityID, e.Metric)
	}
	return fmt.Sprintf("%s/%s/%s[%s]", e.Kind, e.EntityID, e.Metric, e.Instance)
}

// =============================================================================
// Per-device metric names
// =============================================================================

// devicePrefixes are the counter families the hypervisor names per device:
// vif_<n>_<dir>, vbd_<dev>_<op>, pif_<if>_<dir>. The middle component is the
// device instance.
var devicePrefixes = []string{"vif", "vbd", "pif"}

// splitMetricInstance separates a per-device counter name into its metric
// name and device instance. Names that match no known family are returned
// verbatim with an empty instance.
func splitMetricInstance(raw string) (metric, instance string) {
	// cpu0, cpu1, ... -> metric "cpu", instance "0"
	if rest, ok := strings.CutPrefix(raw, "cpu"); ok && isDigits(rest) {
		return "cpu", rest
	}

	parts := strings.Split(raw, "_")
	if len(parts) >= 3 {
		for _, prefix := range devicePrefixes {
			if parts[0] == prefix {
				return parts[0] + "_" + strings.Join(parts[2:], "_"), parts[1]
			}
		}
	}

	return raw, ""
}

// rawMetric reassembles the on-wire counter name from Metric and Instance.
func (e LegendEntry) rawMetric() string {
	if e.Instance == "" {
		return e.Metric
	}
	if e.Metric == "cpu" {
		return "cpu" + e.Instance
	}
	for _, prefix := range devicePrefixes {
		if rest, ok := strings.CutPrefix(e.Metric, prefix+"_"); ok {
			return prefix + "_" + e.Instance + "_" + rest
		}
	}
	// Unknown family: the instance has nowhere canonical to go, keep the
	// metric name as-is.
	return e.Metric
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
