package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/dimfeld/chronicle-proxy/internal/logger"
)

func TestMetadataPayload_ExtraFieldsFlatten(t *testing.T) {
	raw := []byte(`{"application": "abc", "another": "value", "step": "email", "third": "fourth"}`)

	var m metadataPayload
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if m.Application != "abc" || m.Step != "email" {
		t.Fatalf("unexpected named fields: %#v", m)
	}
	if m.Extra["another"] != "value" || m.Extra["third"] != "fourth" {
		t.Fatalf("unexpected extra fields: %#v", m.Extra)
	}
}

func TestMergeHeaders_OverridesBodyMetadata(t *testing.T) {
	meta := logger.RequestMetadata{Application: "body-app"}
	internal := logger.InternalMetadata{}

	h := http.Header{}
	h.Set(HeaderApplication, "header-app")
	h.Set(HeaderOrganizationID, "org-9")

	meta, internal = mergeHeaders(h, meta, internal)

	if meta.Application != "header-app" {
		t.Fatalf("expected header to override body application, got %q", meta.Application)
	}
	if internal.OrganizationID != "org-9" {
		t.Fatalf("expected header-sourced organization id, got %q", internal.OrganizationID)
	}
}
