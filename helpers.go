package flowpilot

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

func newExecutionID() string {
	return "exec_" + uuid.NewString()
}

func newJobID() string {
	return fmt.Sprintf("job_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

func sortJobsByScheduledAt(jobs []*Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})
}

// decodeDocument unmarshals a JSON document into a map, tolerating empty
// or null input the way step processors expect.
func decodeDocument(raw json.RawMessage) (map[string]any, error) {
	data := make(map[string]any)
	if len(raw) == 0 || string(raw) == "null" {
		return data, nil
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}

	return data, nil
}

func encodeDocument(data map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal data: %w", err)
	}

	return raw, nil
}

// cloneDocument is a shallow copy; step processors augment the copy so the
// caller's view of the context stays untouched.
func cloneDocument(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+4)
	for k, v := range data {
		out[k] = v
	}

	return out
}
