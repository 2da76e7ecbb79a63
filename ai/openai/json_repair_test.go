package openai

import (
	"encoding/json"
	"testing"
)

func TestRepairJSONQuotesBareKeys(t *testing.T) {
	in := `{entities: [{name: "Acme Corp", type: "organization", confidence: 0.9}]}`
	var out extraction
	if err := json.Unmarshal([]byte(repairJSON(in)), &out); err != nil {
		t.Fatalf("repaired JSON does not parse: %v\nrepaired: %s", err, repairJSON(in))
	}
	if len(out.Entities) != 1 || out.Entities[0].Name != "Acme Corp" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestRepairJSONMissingOpeningQuote(t *testing.T) {
	in := `{"entities": [{"name": "Acme", type": "organization", "confidence": 0.8}]}`
	var out extraction
	if err := json.Unmarshal([]byte(repairJSON(in)), &out); err != nil {
		t.Fatalf("repaired JSON does not parse: %v\nrepaired: %s", err, repairJSON(in))
	}
}

func TestRepairJSONTrailingCommas(t *testing.T) {
	in := `{"entities": [{"name": "Acme", "type": "organization", "confidence": 0.8},]}`
	var out extraction
	if err := json.Unmarshal([]byte(repairJSON(in)), &out); err != nil {
		t.Fatalf("repaired JSON does not parse: %v\nrepaired: %s", err, repairJSON(in))
	}
}

func TestRepairJSONLeavesValidInputAlone(t *testing.T) {
	in := `{"entities": [{"name": "A, B {brace}", "type": "organization", "confidence": 1}]}`
	if got := repairJSON(in); got != in {
		t.Fatalf("valid JSON altered:\n in: %s\nout: %s", in, got)
	}
}

func TestStripCodeFences(t *testing.T) {
	in := "```json\n{\"entities\": []}\n```"
	if got := stripCodeFences(in); got != `{"entities": []}` {
		t.Fatalf("fences not stripped: %q", got)
	}
	if got := stripCodeFences(`{"entities": []}`); got != `{"entities": []}` {
		t.Fatalf("unfenced input altered: %q", got)
	}
}
