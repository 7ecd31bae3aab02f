package ledmap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Save writes the map's records as an indented JSON array.
func Save(path string, m *Map) error {
	return writeJSON(path, m.Records)
}

// SaveStereo writes depth positions as an indented JSON array.
func SaveStereo(path string, positions []StereoPosition) error {
	return writeJSON(path, positions)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Load reads a map file. Both JSON forms accepted by Decode are read, and
// files ending in .yaml or .yml are parsed with UnmarshalYAML.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decode := Decode
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decode = UnmarshalYAML
	}
	m, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return m, nil
}

// Decode parses map JSON in either the array form
// ([{"id": 0, "position": [x, y]}, ...]) or the keyed object form
// ({"led_0": {...}} or {"led_0": [x, y]}). Negative or duplicate ids are
// rejected with ErrInvalidID.
func Decode(data []byte) (*Map, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	m := &Map{}
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &m.Records); err != nil {
			return nil, err
		}
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		if _, ok := obj["records"]; ok {
			if err := json.Unmarshal(data, m); err != nil {
				return nil, err
			}
			break
		}
		for key, raw := range obj {
			r, err := decodeKeyed(key, raw)
			if err != nil {
				return nil, err
			}
			m.Records = append(m.Records, r)
		}
		sort.Slice(m.Records, func(i, j int) bool { return m.Records[i].ID < m.Records[j].ID })
	default:
		return nil, fmt.Errorf("unexpected leading %q", data[0])
	}

	for i := range m.Records {
		if m.Records[i].Status == "" {
			if m.Records[i].Position != nil {
				m.Records[i].Status = StatusDetected
			} else {
				m.Records[i].Status = StatusNotDetected
			}
		}
	}
	if err := m.CheckIDs(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeKeyed(key string, raw json.RawMessage) (Record, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var r Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return Record{}, fmt.Errorf("%s: %w", key, err)
		}
		return r, nil
	}

	id, err := strconv.Atoi(strings.TrimPrefix(key, "led_"))
	if err != nil {
		return Record{}, fmt.Errorf("%s: key is not led_<id>", key)
	}
	r := Record{ID: id}
	if string(raw) != "null" {
		var p Point
		if err := json.Unmarshal(raw, &p); err != nil {
			return Record{}, fmt.Errorf("%s: %w", key, err)
		}
		r.Position = &p
	}
	return r, nil
}

// LoadStereo reads depth positions written by SaveStereo, or the keyed
// object form {"led_0": {"id": 0, "position": [x, y, z]}}.
func LoadStereo(path string) ([]StereoPosition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)

	var out []StereoPosition
	if len(data) > 0 && data[0] == '{' {
		var obj map[string]StereoPosition
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		for _, p := range obj {
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}

// MarshalYAML renders the map for hand editing.
func MarshalYAML(m *Map) ([]byte, error) {
	return yaml.Marshal(m)
}

// UnmarshalYAML parses a map previously rendered by MarshalYAML. Ids are
// checked as in Decode.
func UnmarshalYAML(data []byte) (*Map, error) {
	var doc struct {
		Vantage string `yaml:"vantage"`
		Records []struct {
			ID       int       `yaml:"id"`
			Position []float64 `yaml:"position"`
			Status   Status    `yaml:"status"`
			Error    string    `yaml:"error"`
		} `yaml:"records"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	m := &Map{Vantage: doc.Vantage, Records: make([]Record, 0, len(doc.Records))}
	for _, r := range doc.Records {
		rec := Record{ID: r.ID, Status: r.Status, Error: r.Error}
		if len(r.Position) >= 2 {
			rec.Position = &Point{X: r.Position[0], Y: r.Position[1]}
		}
		m.Records = append(m.Records, rec)
	}
	if err := m.CheckIDs(); err != nil {
		return nil, err
	}
	return m, nil
}
