package profiles

import (
	"path/filepath"
	"testing"
)

func TestManager_PutGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env-profiles.json")
	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Put("staging", map[string]string{"API_URL": "https://staging.example"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	vars, ok := m.Get("staging")
	if !ok || vars["API_URL"] != "https://staging.example" {
		t.Fatalf("get: %v %v", vars, ok)
	}

	// A second manager over the same path sees the persisted profile.
	m2, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m2.Get("staging"); !ok {
		t.Fatal("profile not persisted")
	}

	existed, err := m2.Delete("staging")
	if err != nil || !existed {
		t.Fatalf("delete: existed=%v err=%v", existed, err)
	}
	existed, err = m2.Delete("staging")
	if err != nil || existed {
		t.Fatalf("double delete: existed=%v err=%v", existed, err)
	}
}

func TestManager_EmptyNameRejected(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "p.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Put("", map[string]string{"A": "1"}); err == nil {
		t.Fatal("empty name accepted")
	}
}

func TestManager_ListCopies(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "p.json"))
	if err != nil {
		t.Fatal(err)
	}
	_ = m.Put("p1", map[string]string{"K": "v"})

	list := m.List()
	list["p1"]["K"] = "mutated"
	vars, _ := m.Get("p1")
	if vars["K"] != "v" {
		t.Error("List leaked internal map")
	}
}
