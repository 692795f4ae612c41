package hooks

import (
	"reflect"
	"testing"
)

func TestWorkingMemoryInsertionOrder(t *testing.T) {
	w := NewWorkingMemory()
	w.Set("first", 1)
	w.Set("second", 2)
	w.Set("third", 3)
	// Updating an existing key keeps its position.
	w.Set("first", 10)

	if got := w.Keys(); !reflect.DeepEqual(got, []string{"first", "second", "third"}) {
		t.Errorf("Keys() = %v, want insertion order", got)
	}
	if v, _ := w.Get("first"); v != 10 {
		t.Errorf("Get(first) = %v, want 10", v)
	}
}

func TestWorkingMemoryDelete(t *testing.T) {
	w := NewWorkingMemory()
	w.Set("a", 1)
	w.Set("b", 2)
	w.Set("c", 3)

	w.Delete("b")
	w.Delete("missing") // no-op

	if got := w.Keys(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("Keys() after delete = %v, want [a c]", got)
	}
	if _, ok := w.Get("b"); ok {
		t.Error("deleted key still present")
	}
	if w.Len() != 2 {
		t.Errorf("Len() = %d, want 2", w.Len())
	}
}

func TestContextIDsUnique(t *testing.T) {
	a := NewContext("session", nil, nil)
	b := NewContext("session", nil, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("context ids not unique: %q vs %q", a.ID, b.ID)
	}
}

func TestPluginSettingsNilSafe(t *testing.T) {
	c := NewContext("s", nil, nil)
	if got := c.PluginSettings("anyone"); got == nil {
		t.Error("PluginSettings() = nil, want empty map")
	}

	c.Settings = func(owner string) map[string]any {
		if owner == "known" {
			return map[string]any{"k": "v"}
		}
		return nil
	}
	if got := c.PluginSettings("known"); got["k"] != "v" {
		t.Errorf("PluginSettings(known) = %v", got)
	}
	if got := c.PluginSettings("other"); got == nil {
		t.Error("PluginSettings(other) = nil, want empty map")
	}
}
