package identity

import (
	"context"
	"testing"
)

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), Principal("ab12"))
	got, err := FromContext(ctx)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Principal != "ab12" || got.Admin {
		t.Errorf("unexpected identity %+v", got)
	}
}

func TestFromContextNoIdentity(t *testing.T) {
	if _, err := FromContext(context.Background()); err != ErrNoIdentity {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}
	ctx := WithIdentity(context.Background(), Identity{})
	if _, err := FromContext(ctx); err != ErrNoIdentity {
		t.Errorf("expected ErrNoIdentity for empty identity, got %v", err)
	}
}

func TestCanAccess(t *testing.T) {
	tests := []struct {
		name  string
		id    Identity
		owner string
		want  bool
	}{
		{"owner", Principal("aa"), "aa", true},
		{"other principal", Principal("bb"), "aa", false},
		{"admin sees all", Admin(), "aa", true},
		{"empty principal never matches", Identity{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.id.CanAccess(tt.owner); got != tt.want {
				t.Errorf("CanAccess(%q) = %v, want %v", tt.owner, got, tt.want)
			}
		})
	}
}

func TestOwner(t *testing.T) {
	if Admin().Owner() != AdminOwner {
		t.Errorf("admin owner = %q", Admin().Owner())
	}
	if Principal("cafe").Owner() != "cafe" {
		t.Errorf("principal owner = %q", Principal("cafe").Owner())
	}
}
