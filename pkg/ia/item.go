package ia

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Item is one archive item as reported by the metadata API.
//
// The metadata API answers 200 with an empty JSON object for identifiers
// that do not exist yet, so presence is a property of the payload rather
// than the status code; use Exists.
type Item struct {
	Identifier string

	// Metadata holds the item-level metadata with every value flattened
	// to a string (the API returns a mix of strings and string lists).
	Metadata map[string]string

	// Files is the item's file listing, in API order.
	Files []File

	// FilesCount is the server-reported file count. It can exceed
	// len(Files) transiently while the archive's own tasks are running.
	FilesCount int

	// ItemSize is the server-reported total size in bytes.
	ItemSize int64
}

// Exists reports whether the item is present on the archive side.
func (i *Item) Exists() bool {
	return i != nil && len(i.Metadata) > 0
}

// File returns the named file from the listing, or nil when absent.
func (i *Item) File(name string) *File {
	if i == nil {
		return nil
	}
	for idx := range i.Files {
		if i.Files[idx].Name == name {
			return &i.Files[idx]
		}
	}
	return nil
}

// File is one entry in an item's file listing.
type File struct {
	Name   string
	Source string
	Format string
	Size   int64
	MD5    string
	SHA1   string

	// Metadata holds every field of the listing entry flattened to a
	// string, including the per-file metadata set at upload time
	// (title, submitted URL, and so on).
	Metadata map[string]string
}

// itemResponse is the wire shape of a metadata API answer.
type itemResponse struct {
	Metadata   flexMap           `json:"metadata"`
	Files      []json.RawMessage `json:"files"`
	FilesCount int               `json:"files_count"`
	ItemSize   int64             `json:"item_size"`
}

// decodeItem parses a metadata API payload into an Item.
func decodeItem(identifier string, data []byte) (*Item, error) {
	var resp itemResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode item metadata: %w", err)
	}

	item := &Item{
		Identifier: identifier,
		Metadata:   resp.Metadata,
		FilesCount: resp.FilesCount,
		ItemSize:   resp.ItemSize,
	}
	for _, raw := range resp.Files {
		var entry flexMap
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode file listing entry: %w", err)
		}
		file := File{
			Name:     entry["name"],
			Source:   entry["source"],
			Format:   entry["format"],
			MD5:      entry["md5"],
			SHA1:     entry["sha1"],
			Metadata: entry,
		}
		// The listing reports sizes as decimal strings.
		if s, err := strconv.ParseInt(entry["size"], 10, 64); err == nil {
			file.Size = s
		}
		item.Files = append(item.Files, file)
	}
	return item, nil
}

// flexMap decodes a JSON object whose values may be strings, numbers,
// booleans, or lists of such, flattening everything to strings. List
// values (the API returns "collection" as a list) are joined with "; ".
type flexMap map[string]string

func (m *flexMap) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = flexString(v)
	}
	*m = out
	return nil
}

func flexString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, flexString(e))
		}
		return strings.Join(parts, "; ")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// decodeLoadInfo parses a check_limit payload.
func decodeLoadInfo(data []byte, info *LoadInfo) error {
	if err := json.Unmarshal(data, info); err != nil {
		return fmt.Errorf("failed to decode load info: %w", err)
	}
	return nil
}

// LoadInfo is the ias3 check_limit probe's answer: whether the service is
// refusing writes outright, plus the per-share task queue details.
type LoadInfo struct {
	Bucket    string     `json:"bucket"`
	AccessKey string     `json:"accesskey"`
	OverLimit int        `json:"over_limit"`
	Detail    LoadDetail `json:"detail"`
}

// LoadDetail reports queued task counts against their granted rations for
// the three shares the service meters: this access key, this bucket, and
// the service as a whole.
type LoadDetail struct {
	AccessKeyRation      int    `json:"accesskey_ration"`
	AccessKeyTasksQueued int    `json:"accesskey_tasks_queued"`
	BucketRation         int    `json:"bucket_ration"`
	BucketTasksQueued    int    `json:"bucket_tasks_queued"`
	LimitReason          string `json:"limit_reason"`
	RationingEngaged     int    `json:"rationing_engaged"`
	RationingLevel       int    `json:"rationing_level"`
	TotalGlobalLimit     int    `json:"total_global_limit"`
	TotalTasksQueued     int    `json:"total_tasks_queued"`
}

// Overloaded reports whether the service is refusing writes.
func (l *LoadInfo) Overloaded() bool {
	return l != nil && l.OverLimit != 0
}

// AccessKeyShareApproaching reports whether this access key's queued tasks
// have reached the given fraction of its ration.
func (l *LoadInfo) AccessKeyShareApproaching(margin float64) bool {
	return l != nil && shareApproaching(l.Detail.AccessKeyTasksQueued, l.Detail.AccessKeyRation, margin)
}

// GlobalShareApproaching reports whether the service-wide queue has reached
// the given fraction of the global limit.
func (l *LoadInfo) GlobalShareApproaching(margin float64) bool {
	return l != nil && shareApproaching(l.Detail.TotalTasksQueued, l.Detail.TotalGlobalLimit, margin)
}

// BucketShareApproaching reports whether the probed bucket's queued tasks
// have reached the given fraction of its ration.
func (l *LoadInfo) BucketShareApproaching(margin float64) bool {
	return l != nil && shareApproaching(l.Detail.BucketTasksQueued, l.Detail.BucketRation, margin)
}

// shareApproaching compares queued tasks against a fraction of the ration.
// A missing ration (zero) means the service did not meter that share.
func shareApproaching(queued, ration int, margin float64) bool {
	if ration <= 0 {
		return false
	}
	return float64(queued) >= margin*float64(ration)
}
