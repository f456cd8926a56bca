package writer

import (
	"sort"

	"github.com/hausdata/ingestd/internal/model"
)

// Workload identifies the shape detectWorkload classified a batch as,
// so the matching optimization can be applied.
type Workload string

const (
	WorkloadHighCardinality Workload = "high_cardinality"
	WorkloadWideMetrics     Workload = "wide_metrics"
	WorkloadSimpleMetrics   Workload = "simple_metrics"
	WorkloadMultiSource     Workload = "multi_source"
	WorkloadBurst           Workload = "burst"
	WorkloadMixed           Workload = "mixed"
)

// detectWorkload classifies batch by its shape. Detection order
// matters: high_cardinality and wide_metrics only
// apply to single-measurement batches, multi_source takes priority once
// more than 10 distinct measurements appear, burst is checked before
// falling through to mixed.
func detectWorkload(batch []model.Point) Workload {
	if len(batch) == 0 {
		return WorkloadMixed
	}

	measurements := map[string]struct{}{}
	var totalTags, totalFields int
	hours := map[int64]struct{}{}
	for _, p := range batch {
		measurements[p.Measurement] = struct{}{}
		totalTags += len(p.Tags)
		totalFields += len(p.Fields)
		hours[p.TimestampNS/int64(3600e9)] = struct{}{}
	}

	if len(measurements) > 10 {
		return WorkloadMultiSource
	}

	if len(measurements) == 1 {
		avgTags := float64(totalTags) / float64(len(batch))
		avgFields := float64(totalFields) / float64(len(batch))
		switch {
		case avgTags > 5:
			return WorkloadHighCardinality
		case avgFields > 10:
			return WorkloadWideMetrics
		case len(hours) <= 2:
			return WorkloadBurst
		default:
			return WorkloadSimpleMetrics
		}
	}

	if len(hours) <= 2 {
		return WorkloadBurst
	}
	return WorkloadMixed
}

// Optimize applies the workload-appropriate transformation to batch. It
// is a pure function: the input slice is never mutated, and the
// returned batch never invents a new measurement or moves a field
// between points of a different logical identity. Optimize is
// idempotent: Optimize(Optimize(b)) == Optimize(b).
func Optimize(batch []model.Point) ([]model.Point, Workload) {
	if len(batch) == 0 {
		return batch, WorkloadMixed
	}
	workload := detectWorkload(batch)
	switch workload {
	case WorkloadHighCardinality:
		return dropConstantTags(batch), workload
	case WorkloadWideMetrics:
		return mergeByIdentity(batch), workload
	case WorkloadSimpleMetrics:
		return dedupSorted(batch), workload
	case WorkloadMultiSource:
		return groupByMeasurement(batch), workload
	case WorkloadBurst:
		return cheapDedup(batch), workload
	default:
		return sortByTimestamp(cheapDedup(batch)), workload
	}
}

// cheapDedup drops exact-duplicate points (same measurement, tags, and
// timestamp, including field set) without re-sorting. Used standalone
// for "burst" and as the first stage of "mixed".
func cheapDedup(batch []model.Point) []model.Point {
	seen := make(map[string]struct{}, len(batch))
	out := make([]model.Point, 0, len(batch))
	for _, p := range batch {
		key := pointIdentityKey(p)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// dedupSorted sorts by timestamp then deduplicates on
// (measurement, timestamp, sorted-tags), keeping the first occurrence.
func dedupSorted(batch []model.Point) []model.Point {
	sorted := sortByTimestamp(append([]model.Point(nil), batch...))
	seen := make(map[string]struct{}, len(sorted))
	out := make([]model.Point, 0, len(sorted))
	for _, p := range sorted {
		key := p.Key() + "\x1e" + itoa(p.TimestampNS)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}

// sortByTimestamp returns batch (mutated in place on the provided copy)
// sorted by timestamp ascending, stable to preserve intra-timestamp
// relative order.
func sortByTimestamp(batch []model.Point) []model.Point {
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].TimestampNS < batch[j].TimestampNS
	})
	return batch
}

// groupByMeasurement groups points by measurement and sorts each group
// by timestamp, concatenating groups in first-seen measurement order.
func groupByMeasurement(batch []model.Point) []model.Point {
	order := make([]string, 0)
	groups := make(map[string][]model.Point)
	for _, p := range batch {
		if _, ok := groups[p.Measurement]; !ok {
			order = append(order, p.Measurement)
		}
		groups[p.Measurement] = append(groups[p.Measurement], p)
	}
	out := make([]model.Point, 0, len(batch))
	for _, m := range order {
		out = append(out, sortByTimestamp(groups[m])...)
	}
	return out
}

// dropConstantTags removes tags whose value is identical across every
// point in the batch, keeping an "essential set" (entity_id and any tag
// that varies) so high-cardinality batches don't carry redundant
// repeated tag values.
func dropConstantTags(batch []model.Point) []model.Point {
	if len(batch) < 2 {
		return batch
	}
	constant := map[string]string{}
	for k, v := range batch[0].Tags {
		constant[k] = v
	}
	for _, p := range batch[1:] {
		for k, v := range constant {
			if pv, ok := p.Tags[k]; !ok || pv != v {
				delete(constant, k)
			}
		}
		if len(constant) == 0 {
			break
		}
	}
	if len(constant) == 0 {
		return batch
	}
	out := make([]model.Point, len(batch))
	for i, p := range batch {
		tags := make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			if k == "entity_id" {
				tags[k] = v
				continue
			}
			if _, drop := constant[k]; drop {
				continue
			}
			tags[k] = v
		}
		out[i] = model.Point{Measurement: p.Measurement, Tags: tags, Fields: p.Fields, TimestampNS: p.TimestampNS}
	}
	return out
}

// mergeByIdentity merges points sharing (measurement, tags, timestamp)
// by field-union, with the later point's value winning on key
// collision. Batch
// order is assumed chronological-ish as received; "later" means later
// in the input slice.
func mergeByIdentity(batch []model.Point) []model.Point {
	type merged struct {
		p     model.Point
		order int
	}
	index := make(map[string]int, len(batch))
	out := make([]merged, 0, len(batch))
	for _, p := range batch {
		key := p.Key() + "\x1e" + itoa(p.TimestampNS)
		if i, ok := index[key]; ok {
			existing := out[i].p
			fields := make(map[string]model.FieldValue, len(existing.Fields)+len(p.Fields))
			for k, v := range existing.Fields {
				fields[k] = v
			}
			for k, v := range p.Fields {
				fields[k] = v
			}
			out[i].p.Fields = fields
			continue
		}
		index[key] = len(out)
		out = append(out, merged{p: p, order: len(out)})
	}
	result := make([]model.Point, len(out))
	for i, m := range out {
		result[i] = m.p
	}
	return result
}

// pointIdentityKey is the exact-duplicate key used by cheapDedup: the
// full encoded line already captures measurement, tags, fields, and
// timestamp, so two points with identical content always collide here
// regardless of map iteration order.
func pointIdentityKey(p model.Point) string {
	return p.Encode()
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
