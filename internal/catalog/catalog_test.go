package catalog

import (
	"errors"
	"sort"
	"testing"

	"github.com/alecgard/peage/internal/auth"
)

func TestBuild_RejectsDuplicateNames(t *testing.T) {
	_, err := Build([]Descriptor{
		{Name: "a", Cost: 1, InputSchema: Schema{Type: "object"}},
		{Name: "a", Cost: 2, InputSchema: Schema{Type: "object"}},
	})
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestBuild_RejectsNegativeCost(t *testing.T) {
	_, err := Build([]Descriptor{
		{Name: "a", Cost: -1, InputSchema: Schema{Type: "object"}},
	})
	if err == nil {
		t.Fatal("expected negative cost error")
	}
}

func TestBuild_RejectsNonObjectSchema(t *testing.T) {
	_, err := Build([]Descriptor{
		{Name: "a", Cost: 1, InputSchema: Schema{Type: "string"}},
	})
	if err == nil {
		t.Fatal("expected schema error")
	}
}

func TestLookup(t *testing.T) {
	cat, err := Build([]Descriptor{
		{Name: "check_breaches", Cost: 1, InputSchema: Schema{Type: "object"}},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	d, err := cat.Lookup("check_breaches")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if d.Cost != 1 {
		t.Errorf("expected cost 1, got %d", d.Cost)
	}

	if _, err := cat.Lookup("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEligible_FiltersForGuests(t *testing.T) {
	cat, err := Build([]Descriptor{
		{Name: "paid", Cost: 5, InputSchema: Schema{Type: "object"}},
		{Name: "demo", Cost: 1, GuestEligible: true, InputSchema: Schema{Type: "object"}},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	guestView := cat.ListEligible(auth.Guest{})
	if len(guestView) != 1 || guestView[0].Name != "demo" {
		t.Errorf("guest should see only guest-eligible tools, got %+v", guestView)
	}

	authView := cat.ListEligible(auth.Authenticated{AccountID: "a"})
	if len(authView) != 2 {
		t.Errorf("authenticated principal should see the full catalog, got %d tools", len(authView))
	}
}

func TestBuiltin_BaseCatalog(t *testing.T) {
	descriptors := Builtin(Options{})
	cat, err := Build(descriptors)
	if err != nil {
		t.Fatalf("builtin catalog failed validation: %v", err)
	}

	// KYC tools are excluded unless enabled.
	if _, err := cat.Lookup("verify_pan"); !errors.Is(err, ErrNotFound) {
		t.Errorf("verify_pan should be absent from the base catalog")
	}

	// Every builtin tool must advertise an object schema and be sorted.
	names := make([]string, 0, cat.Size())
	for _, d := range cat.All() {
		names = append(names, d.Name)
		if d.InputSchema.Type != "object" {
			t.Errorf("tool %s: schema type %q", d.Name, d.InputSchema.Type)
		}
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("catalog listing must be name-ordered: %v", names)
	}
}

func TestBuiltin_KYCEnabled(t *testing.T) {
	cat, err := Build(Builtin(Options{EnableKYC: true}))
	if err != nil {
		t.Fatalf("builtin catalog failed validation: %v", err)
	}

	for _, name := range []string{"verify_pan", "verify_pan_detailed", "mobile_to_pan", "mobile_to_kyc"} {
		if _, err := cat.Lookup(name); err != nil {
			t.Errorf("expected %s in KYC-enabled catalog: %v", name, err)
		}
	}
}
