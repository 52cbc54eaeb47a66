package onionaddr

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
)

func generateValidV3Address(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	addr, err := Encode(pub)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return addr
}

func generateInvalidChecksumAddress(t *testing.T) string {
	t.Helper()
	addr := generateValidV3Address(t)
	// flip a character in the middle of the base32 body to corrupt the checksum
	trimmed := strings.TrimSuffix(addr, V3Suffix)
	runes := []rune(trimmed)
	if runes[10] == 'a' {
		runes[10] = 'b'
	} else {
		runes[10] = 'a'
	}
	return string(runes) + V3Suffix
}

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		address   string
		wantErr   bool
		errString string
	}{
		{
			name:    "valid v3 address with .onion",
			address: generateValidV3Address(t),
			wantErr: false,
		},
		{
			name:    "valid v3 address without .onion",
			address: strings.TrimSuffix(generateValidV3Address(t), ".onion"),
			wantErr: false,
		},
		{
			name:      "invalid length - too short",
			address:   "thisiswaytooshort.onion",
			wantErr:   true,
			errString: "unsupported address format",
		},
		{
			name:      "invalid length - too long",
			address:   "thisistoolongforanyonionaddressformatthatweknowaboutatallsurely.onion",
			wantErr:   true,
			errString: "unsupported address format",
		},
		{
			name:      "invalid checksum",
			address:   generateInvalidChecksumAddress(t),
			wantErr:   true,
			errString: "invalid checksum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Parse(tt.address)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse() expected error, got nil")
				}
				if tt.errString != "" && !strings.Contains(err.Error(), tt.errString) {
					t.Errorf("Parse() error = %v, want substring %v", err, tt.errString)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() unexpected error = %v", err)
			}
			if len(addr.Pubkey) != v3PubkeyLen {
				t.Errorf("Parse() pubkey length = %d, want %d", len(addr.Pubkey), v3PubkeyLen)
			}
		})
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}

	addr, err := Encode(pub)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.HasSuffix(addr, V3Suffix) {
		t.Errorf("Encode() = %s, missing .onion suffix", addr)
	}

	parsed, err := Parse(addr)
	if err != nil {
		t.Fatalf("Parse(Encode(pub)): %v", err)
	}
	if string(parsed.Pubkey) != string(pub) {
		t.Error("round-tripped pubkey does not match original")
	}
	if parsed.String() != addr {
		t.Errorf("String() = %s, want %s", parsed.String(), addr)
	}
}

func TestEncode_WrongKeyLength(t *testing.T) {
	if _, err := Encode([]byte("too-short")); err == nil {
		t.Error("Expected error for short public key")
	}
}

func TestIsOnionAddress(t *testing.T) {
	valid := generateValidV3Address(t)
	if !IsOnionAddress(valid) {
		t.Errorf("IsOnionAddress(%s) = false, want true", valid)
	}
	if IsOnionAddress("example.com") {
		t.Error("IsOnionAddress(example.com) = true, want false")
	}
}

func TestCanonicalizeFingerprint(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "already canonical",
			input: "ABCD1234EF567890ABCD1234EF567890ABCD1234",
			want:  "ABCD1234EF567890ABCD1234EF567890ABCD1234",
		},
		{
			name:  "lowercase is upper-cased",
			input: "abcd1234ef567890abcd1234ef567890abcd1234",
			want:  "ABCD1234EF567890ABCD1234EF567890ABCD1234",
		},
		{
			name:    "wrong length",
			input:   "ABCD1234",
			wantErr: true,
		},
		{
			name:    "non-hex characters",
			input:   "ZZZZ1234EF567890ABCD1234EF567890ABCD1234",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizeFingerprint(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CanonicalizeFingerprint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("CanonicalizeFingerprint() = %s, want %s", got, tt.want)
			}
		})
	}
}
