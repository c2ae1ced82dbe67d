package main

import (
	"encoding/json"
	"strings"
	"testing"

	"traction/pkg/domain"
)

const duoSubmission = `{
  "instrument": "Duo",
  "plates": [
    {"plate_number": 1, "consumable_barcode": "BC1", "wells": [{"position": "A1"}, {"position": "B1"}]}
  ]
}`

func TestSubmitCommandCommits(t *testing.T) {
	t.Setenv("TRACTION_STORAGE_DRIVER", "memory")
	catalog := writeFile(t, "catalog.yaml", duoCatalog)
	file := writeFile(t, "run.json", duoSubmission)

	out, err := execute(t, "--catalog", catalog, "submit", file, "--json")
	if err != nil {
		t.Fatalf("submit: %v\n%s", err, out)
	}
	var outcome domain.Outcome
	if err := json.Unmarshal([]byte(out), &outcome); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if outcome.Status != domain.StatusCommitted || outcome.RunID == "" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if len(outcome.WellIDs) != 2 {
		t.Fatalf("expected two wells, got %v", outcome.WellIDs)
	}
}

func TestValidateCommandReportsViolations(t *testing.T) {
	t.Setenv("TRACTION_STORAGE_DRIVER", "memory")
	catalog := writeFile(t, "catalog.yaml", duoCatalog)
	file := writeFile(t, "run.json", `{"instrument": "Nope"}`)

	out, err := execute(t, "--catalog", catalog, "validate", file)
	if err == nil || !strings.Contains(err.Error(), "submission invalid at validation") {
		t.Fatalf("expected invalid submission error, got %v", err)
	}
	if !strings.Contains(out, "status: invalid") || !strings.Contains(out, "is not a supported instrument") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestValidateCommandValidSubmission(t *testing.T) {
	t.Setenv("TRACTION_STORAGE_DRIVER", "memory")
	catalog := writeFile(t, "catalog.yaml", duoCatalog)
	file := writeFile(t, "run.json", duoSubmission)

	out, err := execute(t, "--catalog", catalog, "validate", file)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "status: valid") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestSubmitCommandNormalizationErrors(t *testing.T) {
	t.Setenv("TRACTION_STORAGE_DRIVER", "memory")
	file := writeFile(t, "run.json", `{"plates": "none"}`)
	out, err := execute(t, "submit", file)
	if err == nil || !strings.Contains(err.Error(), "normalization") {
		t.Fatalf("expected normalization failure, got %v", err)
	}
	if !strings.Contains(out, "plates: must be an array") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	file = writeFile(t, "list.json", `[]`)
	if _, err := execute(t, "submit", file); err == nil || !strings.Contains(err.Error(), "read submission") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestWriteOutcomeSortsErrors(t *testing.T) {
	var b strings.Builder
	err := writeOutcome(&b, domain.Outcome{
		Status: domain.StatusInvalid,
		Stage:  domain.StageValidation,
		Errors: map[string][]string{"wells": {"too many"}, "base": {"bad"}},
	}, false)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "status: invalid\nstage: validation\n  base: bad\n  wells: too many\n"
	if b.String() != want {
		t.Fatalf("got %q, want %q", b.String(), want)
	}
}
