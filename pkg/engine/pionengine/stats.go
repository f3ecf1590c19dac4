package pionengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pion/webrtc/v3"

	"github.com/peerdial/peerdial/pkg/engine"
)

// convertStats flattens pion's typed stats into the string-keyed entries
// the stats reporter consumes. Numbers keep their literal digits so
// counters stay parseable. Entries are sorted by id so successive
// reports line up.
func convertStats(src webrtc.StatsReport) engine.StatsReport {
	out := make(engine.StatsReport, 0, len(src))
	for id, s := range src {
		raw, err := json.Marshal(s)
		if err != nil {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var fields map[string]interface{}
		if err = dec.Decode(&fields); err != nil {
			continue
		}

		entry := engine.StatsEntry{ID: id, Values: make(map[string]string, len(fields))}
		for k, v := range fields {
			switch k {
			case "id":
			case "type":
				entry.Type, _ = v.(string)
			case "timestamp":
				if n, ok := v.(json.Number); ok {
					entry.Timestamp, _ = n.Float64()
				}
			default:
				entry.Values[k] = fmt.Sprint(v)
			}
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
