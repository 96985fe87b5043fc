package types

import (
	"errors"
	"strings"
	"testing"

	"schoolchat/pkg/chaterrors"
)

func TestValidateContent(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"plain", "hello", "hello", nil},
		{"trims whitespace", "  hello  ", "hello", nil},
		{"empty", "", "", chaterrors.ErrEmptyContent},
		{"whitespace only", "   \t\n", "", chaterrors.ErrEmptyContent},
		{"at limit", strings.Repeat("a", 2000), strings.Repeat("a", 2000), nil},
		{"over limit", strings.Repeat("a", 2001), "", chaterrors.ErrContentTooLong},
		{"multibyte under limit", strings.Repeat("é", 1500), strings.Repeat("é", 1500), nil},
		{"multibyte at limit", strings.Repeat("漢", 2000), strings.Repeat("漢", 2000), nil},
		{"multibyte over limit", strings.Repeat("é", 2001), "", chaterrors.ErrContentTooLong},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateContent(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestValidateContentTrimsBeforeLengthCheck(t *testing.T) {
	padded := "  " + strings.Repeat("a", 2000) + "  "
	got, err := ValidateContent(padded)
	if err != nil {
		t.Fatalf("padding must not count toward the limit: %v", err)
	}
	if len(got) != 2000 {
		t.Fatalf("expected 2000 chars after trim, got %d", len(got))
	}
}

func TestNormalizeKind(t *testing.T) {
	if kind, err := NormalizeKind(""); err != nil || kind != MessageKindText {
		t.Fatalf("empty kind should default to TEXT, got %s / %v", kind, err)
	}
	if kind, err := NormalizeKind(MessageKindImage); err != nil || kind != MessageKindImage {
		t.Fatalf("IMAGE should pass through, got %s / %v", kind, err)
	}
	if _, err := NormalizeKind("VIDEO"); err == nil {
		t.Fatal("unknown kind should be rejected")
	}
}

func TestDirectPairKeyIsOrderIndependent(t *testing.T) {
	if DirectPairKey("a", "b") != DirectPairKey("b", "a") {
		t.Fatal("pair key must not depend on argument order")
	}
	if DirectPairKey("a", "b") == DirectPairKey("a", "c") {
		t.Fatal("distinct pairs must produce distinct keys")
	}
}

func TestHasMember(t *testing.T) {
	room := &Room{
		Members: []RoomMember{
			{UserID: "s1", UserRole: RoleStudent, MemberRole: MemberRoleMember},
			{UserID: "t1", UserRole: RoleTeacher, MemberRole: MemberRoleAdmin},
		},
	}
	if !room.HasMember("s1") || !room.HasMember("t1") {
		t.Fatal("members should be found")
	}
	if room.HasMember("s2") {
		t.Fatal("non-member should not be found")
	}
}
