// Package plandoc decodes the serialized plan documents stored inside
// plan records. A payload is one of two shapes: a "weeks" document
// (weeks of dated day-items) or a flat "tasks" document (undated task
// list, implicitly scheduled on the reference date). Decoding happens
// once at this boundary; everything downstream works with Entry values.
package plandoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Shape tags the decoded document variant.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeWeeks
	ShapeFlat
)

// ParseError reports a payload that is not structured plan data.
// Aggregation callers log and skip; the mutation path aborts on it.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("plan payload: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// ErrTaskNotFound means no entry in the document matched the
// (date, day) mutation key.
var ErrTaskNotFound = errors.New("task not found in plan")

type Document struct {
	Title string
	Weeks []Week
	Tasks []FlatTask
	shape Shape
}

type Week struct {
	Week        int    `json:"week"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Items       []Item `json:"items"`
}

type Item struct {
	Day       int    `json:"day"`
	Date      string `json:"date"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type FlatTask struct {
	ID        *int   `json:"id,omitempty"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// Entry is the uniform representation of one schedulable task,
// independent of the source shape. (Date, DayIndex) is the key used to
// address the entry for mutation.
type Entry struct {
	PlanID     int64
	PlanName   string
	DayIndex   int
	Date       string
	Text       string
	Completed  bool
	WeekTitle  string
	WeekNumber int
	Flat       bool
}

func (d *Document) Shape() Shape { return d.shape }

// Decode parses a raw payload. A payload that is not valid JSON, or not
// a JSON object, yields a *ParseError. An object carrying neither a
// weeks nor a tasks key decodes successfully with ShapeUnknown and
// contributes no entries.
func Decode(raw string) (*Document, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ParseError{Err: errors.New("empty payload")}
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, &ParseError{Err: err}
	}
	doc := &Document{}
	if title, ok := probe["title"]; ok {
		_ = json.Unmarshal(title, &doc.Title)
	}
	if weeksRaw, ok := probe["weeks"]; ok && !isNull(weeksRaw) {
		if err := json.Unmarshal(weeksRaw, &doc.Weeks); err != nil {
			return nil, &ParseError{Err: fmt.Errorf("weeks: %w", err)}
		}
		doc.shape = ShapeWeeks
		return doc, nil
	}
	if tasksRaw, ok := probe["tasks"]; ok && !isNull(tasksRaw) {
		if err := json.Unmarshal(tasksRaw, &doc.Tasks); err != nil {
			return nil, &ParseError{Err: fmt.Errorf("tasks: %w", err)}
		}
		doc.shape = ShapeFlat
		return doc, nil
	}
	return doc, nil
}

// Entries flattens the document into normalized entries. refDate dates
// flat tasks, which carry no schedule of their own. Week items without
// a date are dropped; every other missing field takes its zero default.
func (d *Document) Entries(planID int64, planName, refDate string) []Entry {
	switch d.shape {
	case ShapeWeeks:
		var out []Entry
		for _, week := range d.Weeks {
			for _, item := range week.Items {
				if item.Date == "" {
					continue
				}
				out = append(out, Entry{
					PlanID:     planID,
					PlanName:   planName,
					DayIndex:   item.Day,
					Date:       item.Date,
					Text:       item.Text,
					Completed:  item.Completed,
					WeekTitle:  week.Title,
					WeekNumber: week.Week,
				})
			}
		}
		return out
	case ShapeFlat:
		title := d.Title
		if title == "" {
			title = planName
		}
		var out []Entry
		for i, task := range d.Tasks {
			idx := i + 1
			if task.ID != nil {
				idx = *task.ID
			}
			out = append(out, Entry{
				PlanID:    planID,
				PlanName:  planName,
				DayIndex:  idx,
				Date:      refDate,
				Text:      task.Text,
				Completed: task.Completed,
				WeekTitle: title,
				Flat:      true,
			})
		}
		return out
	default:
		return nil
	}
}

// SetCompleted flips one entry's completed flag inside the raw payload
// and returns the re-serialized document. It works on the generically
// parsed structure rather than the typed Document so unknown payload
// keys survive the rewrite. Weeks documents match the first item whose
// (date, day) equals the key; flat documents match on the task's own id.
func SetCompleted(raw string, date string, day int, completed bool) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", &ParseError{Err: err}
	}
	updated := false
	if weeks, ok := doc["weeks"].([]any); ok {
		for _, w := range weeks {
			week, ok := w.(map[string]any)
			if !ok {
				continue
			}
			items, ok := week["items"].([]any)
			if !ok {
				continue
			}
			for _, it := range items {
				item, ok := it.(map[string]any)
				if !ok {
					continue
				}
				if item["date"] == date && numberEquals(item["day"], day) {
					item["completed"] = completed
					updated = true
					break
				}
			}
			if updated {
				break
			}
		}
	} else if tasks, ok := doc["tasks"].([]any); ok {
		for _, t := range tasks {
			task, ok := t.(map[string]any)
			if !ok {
				continue
			}
			if numberEquals(task["id"], day) {
				task["completed"] = completed
				updated = true
				break
			}
		}
	}
	if !updated {
		return "", ErrTaskNotFound
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func numberEquals(v any, n int) bool {
	switch x := v.(type) {
	case float64:
		return x == float64(n)
	case int:
		return x == n
	case json.Number:
		f, err := x.Float64()
		return err == nil && f == float64(n)
	default:
		return false
	}
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
