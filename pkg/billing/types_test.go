package billing

import (
	"errors"
	"testing"
)

func TestNewAccountID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " acct-123 ", wantVal: "acct-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidAccountID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewAccountID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestNewExternalRef(t *testing.T) {
	t.Parallel()
	_, err := NewExternalRef("   ")
	if !errors.Is(err, ErrInvalidExternalRef) {
		t.Fatalf("expected ErrInvalidExternalRef, got %v", err)
	}
}

func TestNewAmount(t *testing.T) {
	t.Parallel()
	if _, err := NewAmount(0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := NewAmount(-5); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("empty metadata must default: %v", err)
	}
	if metadata.String() != "{}" {
		t.Fatalf("expected {} default, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParsePool(t *testing.T) {
	t.Parallel()
	if _, err := ParsePool("advertising"); err != nil {
		t.Fatalf("advertising must parse: %v", err)
	}
	if _, err := ParsePool("points"); !errors.Is(err, ErrInvalidPool) {
		t.Fatalf("expected ErrInvalidPool, got %v", err)
	}
}

func TestParseSendChannel(t *testing.T) {
	t.Parallel()
	if _, err := ParseSendChannel("ALIMTALK"); err != nil {
		t.Fatalf("ALIMTALK must parse: %v", err)
	}
	if _, err := ParseSendChannel("CREDIT_PURCHASE"); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("ledger-only tags are not send channels, got %v", err)
	}
}

func TestSignedAmount(t *testing.T) {
	t.Parallel()
	usage := TransactionEvent{Kind: KindUsage, Amount: 40}
	if usage.SignedAmount() != -40 {
		t.Fatalf("usage must debit, got %d", usage.SignedAmount())
	}
	charge := TransactionEvent{Kind: KindCharge, Amount: 40}
	if charge.SignedAmount() != 40 {
		t.Fatalf("charge must credit, got %d", charge.SignedAmount())
	}
}
