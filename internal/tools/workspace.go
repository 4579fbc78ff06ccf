package tools

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Workspace is the per-user productivity state behind the todos, notes,
// reminders and calendar tools. It lives in process memory.
type Workspace struct {
	mu        sync.Mutex
	now       func() time.Time
	todos     map[string][]map[string]any
	notes     map[string][]map[string]any
	reminders map[string][]map[string]any
	events    map[string][]map[string]any
}

// NewWorkspace creates an empty Workspace.
func NewWorkspace() *Workspace {
	return &Workspace{
		now:       time.Now,
		todos:     make(map[string][]map[string]any),
		notes:     make(map[string][]map[string]any),
		reminders: make(map[string][]map[string]any),
		events:    make(map[string][]map[string]any),
	}
}

// RegisterAll binds every workspace tool into set.
func (w *Workspace) RegisterAll(set *Set) {
	set.Register("todos.create", w.CreateTodo)
	set.Register("todos.list", w.ListTodos)
	set.Register("todos.update", w.UpdateTodo)
	set.Register("todos.delete", w.DeleteTodo)
	set.Register("notes.create", w.CreateNote)
	set.Register("notes.summarize", w.SummarizeNotes)
	set.Register("reminders.create", w.CreateReminder)
	set.Register("calendar.create_event", w.CreateEvent)
	set.Register("calendar.update_event", w.UpdateEvent)
	set.Register("calendar.delete_event", w.DeleteEvent)
	set.Register("calendar.list_events", w.ListEvents)
	set.Register("calendar.mark_date", w.MarkDate)
}

func (w *Workspace) stamp() string { return w.now().UTC().Format(time.RFC3339) }

func newID() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }

func copyItems(items []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		c := make(map[string]any, len(it))
		for k, v := range it {
			c[k] = v
		}
		out = append(out, c)
	}
	return out
}

func find(items []map[string]any, id string) map[string]any {
	for _, it := range items {
		if it["id"] == id {
			return it
		}
	}
	return nil
}

func without(items []map[string]any, id string) ([]map[string]any, bool) {
	out := slices.DeleteFunc(slices.Clone(items), func(it map[string]any) bool { return it["id"] == id })
	return out, len(out) < len(items)
}

func created(kind string, item map[string]any) Result {
	return Result{
		OK:     true,
		Text:   fmt.Sprintf("Created %s %s.", kind, item["id"]),
		Fields: map[string]any{"id": item["id"], "item": item},
	}
}

// ---- todos ----

func (w *Workspace) CreateTodo(ctx context.Context, args map[string]any) (Result, error) {
	item := map[string]any{
		"id":         newID(),
		"title":      str(args, "title"),
		"status":     "pending",
		"labels":     stringList(args, "labels"),
		"due_at":     args["due_at"],
		"created_at": w.stamp(),
	}
	user := UserID(ctx)
	w.mu.Lock()
	w.todos[user] = append(w.todos[user], item)
	w.mu.Unlock()
	return created("todo", copyItems([]map[string]any{item})[0]), nil
}

func (w *Workspace) ListTodos(ctx context.Context, args map[string]any) (Result, error) {
	status := str(args, "status")
	w.mu.Lock()
	items := copyItems(w.todos[UserID(ctx)])
	w.mu.Unlock()
	if status != "" {
		items = slices.DeleteFunc(items, func(it map[string]any) bool { return it["status"] != status })
	}
	return Result{OK: true, Text: fmt.Sprintf("%d todo(s).", len(items)), Fields: map[string]any{"items": items}}, nil
}

func (w *Workspace) UpdateTodo(ctx context.Context, args map[string]any) (Result, error) {
	id := str(args, "todo_id")
	w.mu.Lock()
	defer w.mu.Unlock()
	item := find(w.todos[UserID(ctx)], id)
	if item == nil {
		return Result{}, Fail("NotFound", "todo %s not found", id)
	}
	if s := str(args, "status"); s != "" {
		item["status"] = s
	}
	out := copyItems([]map[string]any{item})[0]
	return Result{OK: true, Text: fmt.Sprintf("Updated todo %s.", id), Fields: map[string]any{"item": out}}, nil
}

func (w *Workspace) DeleteTodo(ctx context.Context, args map[string]any) (Result, error) {
	id := str(args, "todo_id")
	user := UserID(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	rest, ok := without(w.todos[user], id)
	if !ok {
		return Result{}, Fail("NotFound", "todo %s not found", id)
	}
	w.todos[user] = rest
	return Result{OK: true, Text: fmt.Sprintf("Deleted todo %s.", id)}, nil
}

// ---- notes ----

func (w *Workspace) CreateNote(ctx context.Context, args map[string]any) (Result, error) {
	item := map[string]any{
		"id":         newID(),
		"text":       str(args, "text"),
		"tags":       stringList(args, "tags"),
		"created_at": w.stamp(),
	}
	user := UserID(ctx)
	w.mu.Lock()
	w.notes[user] = append(w.notes[user], item)
	w.mu.Unlock()
	return created("note", copyItems([]map[string]any{item})[0]), nil
}

// SummarizeNotes joins the first three matching notes, each cut to 100 runes.
func (w *Workspace) SummarizeNotes(ctx context.Context, args map[string]any) (Result, error) {
	tag, since := str(args, "tag"), str(args, "since")
	w.mu.Lock()
	items := copyItems(w.notes[UserID(ctx)])
	w.mu.Unlock()

	items = slices.DeleteFunc(items, func(n map[string]any) bool {
		if tag != "" {
			tags, _ := n["tags"].([]string)
			if !slices.Contains(tags, tag) {
				return true
			}
		}
		// RFC 3339 stamps compare lexically against a YYYY-MM-DD cutoff.
		if since != "" {
			if at, _ := n["created_at"].(string); at < since {
				return true
			}
		}
		return false
	})

	var parts []string
	for _, n := range items[:min(3, len(items))] {
		text, _ := n["text"].(string)
		parts = append(parts, truncate(text, 100))
	}
	summary := strings.Join(parts, " | ")
	return Result{
		OK:     true,
		Text:   cmp.Or(summary, "No notes found."),
		Fields: map[string]any{"summary": summary, "count": len(items)},
	}, nil
}

// ---- reminders ----

func (w *Workspace) CreateReminder(ctx context.Context, args map[string]any) (Result, error) {
	item := map[string]any{
		"id":         newID(),
		"text":       str(args, "text"),
		"remind_at":  str(args, "remind_at"),
		"status":     "scheduled",
		"created_at": w.stamp(),
	}
	user := UserID(ctx)
	w.mu.Lock()
	w.reminders[user] = append(w.reminders[user], item)
	w.mu.Unlock()
	return created("reminder", copyItems([]map[string]any{item})[0]), nil
}

// ---- calendar ----

func (w *Workspace) CreateEvent(ctx context.Context, args map[string]any) (Result, error) {
	start := str(args, "start")
	item := map[string]any{
		"id":         newID(),
		"title":      str(args, "title"),
		"start":      start,
		"end":        cmp.Or(str(args, "end"), start),
		"location":   args["location"],
		"attendees":  stringList(args, "attendees"),
		"created_at": w.stamp(),
	}
	user := UserID(ctx)
	w.mu.Lock()
	w.events[user] = append(w.events[user], item)
	w.mu.Unlock()
	return created("event", copyItems([]map[string]any{item})[0]), nil
}

func (w *Workspace) UpdateEvent(ctx context.Context, args map[string]any) (Result, error) {
	id := str(args, "event_id")
	w.mu.Lock()
	defer w.mu.Unlock()
	item := find(w.events[UserID(ctx)], id)
	if item == nil {
		return Result{}, Fail("NotFound", "event %s not found", id)
	}
	for _, k := range []string{"start", "end", "location"} {
		if v := str(args, k); v != "" {
			item[k] = v
		}
	}
	if _, ok := args["attendees"]; ok {
		item["attendees"] = stringList(args, "attendees")
	}
	out := copyItems([]map[string]any{item})[0]
	return Result{OK: true, Text: fmt.Sprintf("Updated event %s.", id), Fields: map[string]any{"item": out}}, nil
}

func (w *Workspace) DeleteEvent(ctx context.Context, args map[string]any) (Result, error) {
	id := str(args, "event_id")
	user := UserID(ctx)
	w.mu.Lock()
	defer w.mu.Unlock()
	rest, ok := without(w.events[user], id)
	if !ok {
		return Result{}, Fail("NotFound", "event %s not found", id)
	}
	w.events[user] = rest
	return Result{OK: true, Text: fmt.Sprintf("Deleted event %s.", id)}, nil
}

// ListEvents returns events overlapping [start, end]; either bound may be
// omitted.
func (w *Workspace) ListEvents(ctx context.Context, args map[string]any) (Result, error) {
	from, to := str(args, "start"), str(args, "end")
	w.mu.Lock()
	items := copyItems(w.events[UserID(ctx)])
	w.mu.Unlock()
	items = slices.DeleteFunc(items, func(e map[string]any) bool {
		s, _ := e["start"].(string)
		end, _ := e["end"].(string)
		return (to != "" && s > to) || (from != "" && end < from)
	})
	slices.SortFunc(items, func(a, b map[string]any) int {
		as, _ := a["start"].(string)
		bs, _ := b["start"].(string)
		return strings.Compare(as, bs)
	})
	return Result{OK: true, Text: fmt.Sprintf("%d event(s).", len(items)), Fields: map[string]any{"items": items}}, nil
}

func (w *Workspace) MarkDate(ctx context.Context, args map[string]any) (Result, error) {
	date, label := str(args, "date"), str(args, "label")
	item := map[string]any{
		"id":         newID(),
		"title":      label,
		"start":      date,
		"end":        date,
		"created_at": w.stamp(),
	}
	user := UserID(ctx)
	w.mu.Lock()
	w.events[user] = append(w.events[user], item)
	w.mu.Unlock()
	return Result{
		OK:     true,
		Text:   fmt.Sprintf("Marked %s as %s.", date, label),
		Fields: map[string]any{"marked": map[string]any{"date": date, "label": label}},
	}, nil
}
