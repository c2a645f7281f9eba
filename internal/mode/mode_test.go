package mode

import (
	"reflect"
	"testing"
)

func TestNormalize_EmptyBecomesCode(t *testing.T) {
	got := Mode{}.Normalize()
	if !reflect.DeepEqual(got, Code()) {
		t.Fatalf("expected code mode, got %+v", got)
	}
}

func TestNormalize_DedupesAndLowercases(t *testing.T) {
	m := Mode{Name: " ops ", ObservationTypes: []string{"Incident", "incident", " ", "Change"}}.Normalize()
	if m.Name != "ops" {
		t.Fatalf("name = %q", m.Name)
	}
	want := []string{"incident", "change"}
	if !reflect.DeepEqual(m.ObservationTypes, want) {
		t.Fatalf("types = %v, want %v", m.ObservationTypes, want)
	}
}

func TestValidType(t *testing.T) {
	m := Code()
	if !m.ValidType(" BugFix ") {
		t.Fatalf("expected bugfix to be valid")
	}
	if m.ValidType("poem") {
		t.Fatalf("expected poem to be rejected")
	}
}

func TestFilterConcepts(t *testing.T) {
	m := Code()
	got := m.FilterConcepts([]string{"Gotcha", "gotcha", "astrology", "pattern"})
	want := []string{"gotcha", "pattern"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("concepts = %v, want %v", got, want)
	}

	open := Mode{Name: "open", ObservationTypes: []string{"note"}}
	if got := open.FilterConcepts([]string{"anything"}); len(got) != 1 {
		t.Fatalf("mode without concept list should accept any concept, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	if err := (Mode{Name: "empty"}).Validate(); err == nil {
		t.Fatalf("expected error for mode without types")
	}
	if err := Code().Validate(); err != nil {
		t.Fatalf("code mode: %v", err)
	}
}
