package crashpad

import (
	"context"
	"testing"
)

func TestUserIDRoundTrip(t *testing.T) {
	ctx := WithUserID(context.Background(), "user-42")

	got, ok := UserIDFromContext(ctx)
	if !ok {
		t.Error("UserIDFromContext returned ok=false, want ok=true")
	}
	if got != "user-42" {
		t.Errorf("UserIDFromContext = %q, want %q", got, "user-42")
	}
}

func TestUserIDFromContext_NotSet(t *testing.T) {
	got, ok := UserIDFromContext(context.Background())
	if ok {
		t.Error("UserIDFromContext returned ok=true for empty context, want ok=false")
	}
	if got != "" {
		t.Errorf("UserIDFromContext = %q, want empty string", got)
	}

	if _, ok := UserIDFromContext(WithUserID(context.Background(), "")); ok {
		t.Error("UserIDFromContext returned ok=true for empty user ID, want ok=false")
	}
}

func TestWithProperties_Merge(t *testing.T) {
	base := WithProperties(context.Background(), map[string]string{"a": "1", "b": "2"})
	child := WithProperty(base, "b", "override")

	got := PropertiesFromContext(child)
	if got["a"] != "1" || got["b"] != "override" {
		t.Errorf("PropertiesFromContext = %v, want a=1 b=override", got)
	}

	// The parent context is not affected.
	if parent := PropertiesFromContext(base); parent["b"] != "2" {
		t.Errorf("parent b = %q, want %q", parent["b"], "2")
	}
}

func TestPropertiesFromContext_Copy(t *testing.T) {
	props := map[string]string{"k": "v"}
	ctx := WithProperties(context.Background(), props)
	props["k"] = "mutated"

	got := PropertiesFromContext(ctx)
	if got["k"] != "v" {
		t.Errorf("k = %q, want %q", got["k"], "v")
	}
	got["k"] = "changed"
	if PropertiesFromContext(ctx)["k"] != "v" {
		t.Error("PropertiesFromContext returned a shared map")
	}
}

func TestPropertiesFromContext_NotSet(t *testing.T) {
	if got := PropertiesFromContext(context.Background()); got != nil {
		t.Errorf("PropertiesFromContext = %v, want nil", got)
	}
}
