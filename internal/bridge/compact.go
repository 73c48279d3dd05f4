// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bridge

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Compaction thresholds.
const (
	// DefaultSizeThreshold is the JSON byte size above which a payload is large.
	DefaultSizeThreshold = 2000
	// DefaultRowThreshold is the sequence length above which a payload is large.
	DefaultRowThreshold = 20
	// DefaultMaxPreviewChars bounds string previews.
	DefaultMaxPreviewChars = 500
	// DefaultMaxPreviewRows bounds sequence previews.
	DefaultMaxPreviewRows = 5
)

// truncatedSuffix marks a shortened string preview.
const truncatedSuffix = "... [truncated]"

// CompactConfig holds the compaction thresholds.
type CompactConfig struct {
	// SizeThreshold is the JSON encoding size in bytes above which a
	// payload is classified as large (strictly greater).
	SizeThreshold int `json:"size_threshold"`

	// RowThreshold is the sequence length above which a payload is
	// classified as large (strictly greater).
	RowThreshold int `json:"row_threshold"`

	// MaxPreviewChars bounds string values in previews.
	MaxPreviewChars int `json:"max_preview_chars"`

	// MaxPreviewRows bounds sequence values in previews.
	MaxPreviewRows int `json:"max_preview_rows"`
}

// DefaultCompactConfig returns the default thresholds.
func DefaultCompactConfig() CompactConfig {
	return CompactConfig{
		SizeThreshold:   DefaultSizeThreshold,
		RowThreshold:    DefaultRowThreshold,
		MaxPreviewChars: DefaultMaxPreviewChars,
		MaxPreviewRows:  DefaultMaxPreviewRows,
	}
}

// Compactor decides whether a payload is large and derives the preview and
// summary shown in its place. It never modifies the payload itself; all
// decisions are structural and ignore value semantics.
type Compactor struct {
	cfg CompactConfig
}

// NewCompactor creates a compactor with the given thresholds, filling in
// defaults for zero values.
func NewCompactor(cfg CompactConfig) *Compactor {
	if cfg.SizeThreshold <= 0 {
		cfg.SizeThreshold = DefaultSizeThreshold
	}
	if cfg.RowThreshold <= 0 {
		cfg.RowThreshold = DefaultRowThreshold
	}
	if cfg.MaxPreviewChars <= 0 {
		cfg.MaxPreviewChars = DefaultMaxPreviewChars
	}
	if cfg.MaxPreviewRows <= 0 {
		cfg.MaxPreviewRows = DefaultMaxPreviewRows
	}
	return &Compactor{cfg: cfg}
}

// Config returns the active thresholds.
func (c *Compactor) Config() CompactConfig {
	return c.cfg
}

// SizeBytes returns the UTF-8 JSON encoding length of payload.
func SizeBytes(payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		// Non-encodable payloads fall back to their string rendering.
		return len(fmt.Sprintf("%v", payload))
	}
	return len(data)
}

// IsLarge classifies payload. A payload is large if its JSON encoding
// exceeds SizeThreshold, it is a sequence longer than RowThreshold, or it
// is a mapping any of whose values is a sequence longer than RowThreshold.
// All comparisons are strict.
func (c *Compactor) IsLarge(payload any) bool {
	if SizeBytes(payload) > c.cfg.SizeThreshold {
		return true
	}

	switch v := payload.(type) {
	case []any:
		return len(v) > c.cfg.RowThreshold
	case map[string]any:
		for _, value := range v {
			if seq, ok := value.([]any); ok && len(seq) > c.cfg.RowThreshold {
				return true
			}
		}
	}
	return false
}

// Preview derives the preview shown in place of a large payload.
func (c *Compactor) Preview(payload any) any {
	switch v := payload.(type) {
	case string:
		return c.previewString(v)
	case []any:
		return c.previewSequence(v)
	case map[string]any:
		return c.previewMapping(v)
	default:
		return v
	}
}

func (c *Compactor) previewString(s string) string {
	if len(s) <= c.cfg.MaxPreviewChars {
		return s
	}
	return s[:c.cfg.MaxPreviewChars] + truncatedSuffix
}

func (c *Compactor) previewSequence(seq []any) map[string]any {
	showing := len(seq)
	if showing > c.cfg.MaxPreviewRows {
		showing = c.cfg.MaxPreviewRows
	}
	return map[string]any{
		"_preview":    true,
		"total_items": len(seq),
		"showing":     showing,
		"items":       seq[:showing],
		"_note":       "fetch remaining via get_result(id)",
	}
}

func (c *Compactor) previewMapping(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		switch v := value.(type) {
		case string:
			out[key] = c.previewString(v)
		case []any:
			if len(v) > c.cfg.MaxPreviewRows {
				out[key] = c.previewSequence(v)
			} else {
				out[key] = v
			}
		case map[string]any:
			out[key] = c.previewMapping(v)
		default:
			out[key] = v
		}
	}
	return out
}

// countedKeys are the conventional keys whose sequence lengths are exposed
// in object summaries.
var countedKeys = map[string]string{
	"rows":    "row_count",
	"data":    "data_count",
	"results": "results_count",
}

// Summary describes a stored payload without exposing its content.
func (c *Compactor) Summary(payload any, server, tool string) map[string]any {
	size := SizeBytes(payload)
	summary := map[string]any{
		"server":     server,
		"tool":       tool,
		"size_bytes": size,
		"size_human": humanSize(size),
	}

	switch v := payload.(type) {
	case []any:
		summary["type"] = "array"
		summary["item_count"] = len(v)
	case map[string]any:
		summary["type"] = "object"
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		summary["keys"] = keys
		for key, field := range countedKeys {
			if seq, ok := v[key].([]any); ok {
				summary[field] = len(seq)
			}
		}
	case string:
		summary["type"] = "string"
	case bool:
		summary["type"] = "boolean"
	case float64, int, int64:
		summary["type"] = "number"
	case nil:
		summary["type"] = "null"
	default:
		summary["type"] = fmt.Sprintf("%T", v)
	}

	return summary
}

// humanSize renders a byte count: kilobytes with one decimal when at least
// one KiB, bytes otherwise.
func humanSize(size int) string {
	if size >= 1024 {
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d B", size)
}
