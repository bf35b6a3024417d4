package metrics

import "sort"

// FailureBucket represents the aggregated failure count for a request name and reason.
type FailureBucket struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// FlattenFailureBuckets converts a nested name->reason map into a sorted slice of FailureBucket rows.
// Rows are sorted by descending count, then by name/reason for stability.
func FlattenFailureBuckets(buckets map[string]map[string]int) []FailureBucket {
	if len(buckets) == 0 {
		return nil
	}
	rows := make([]FailureBucket, 0)
	for name, reasons := range buckets {
		for reason, count := range reasons {
			rows = append(rows, FailureBucket{Name: name, Reason: reason, Count: count})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			if rows[i].Name == rows[j].Name {
				return rows[i].Reason < rows[j].Reason
			}
			return rows[i].Name < rows[j].Name
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
